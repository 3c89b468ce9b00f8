// Package agent implements the sales dialogue engine: intent routing,
// product inquiry, discount negotiation, and order capture. One call to
// ProcessMessage handles one customer turn end to end.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mharbouli/soukbot/pkg/soukbot/catalog"
	"github.com/mharbouli/soukbot/pkg/soukbot/config"
	"github.com/mharbouli/soukbot/pkg/soukbot/llm"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

// ErrOrderNotPersisted is re-exported so callers can test for the one
// failure that must surface to the customer as an error.
var ErrOrderNotPersisted = store.ErrOrderNotPersisted

type productMatch = catalog.Match

// LLM is the language model surface the engine needs.
type LLM interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	CompleteJSON(ctx context.Context, messages []llm.Message, out any) error
}

// Catalog is the product search surface the engine needs.
type Catalog interface {
	Search(ctx context.Context, query string, topK int) ([]catalog.Match, error)
	MatchName(ctx context.Context, name string) (*store.Product, bool, error)
}

// Engine processes customer turns.
type Engine struct {
	store    *store.Store
	llm      LLM
	catalog  Catalog
	settings *config.Settings
	agentCfg config.AgentConfig
	logger   *slog.Logger
}

// New creates a dialogue engine.
func New(st *store.Store, llmClient LLM, cat Catalog, settings *config.Settings, agentCfg config.AgentConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		llm:      llmClient,
		catalog:  cat,
		settings: settings,
		agentCfg: agentCfg,
		logger:   logger.With("component", "agent"),
	}
}

// Apology is the reply for a turn that failed entirely.
func (e *Engine) Apology() string {
	return apologyReply(e.settings.AgentName())
}

// Order status values reported in a Result.
const (
	OrderStatusNone       = "none"
	OrderStatusCollecting = "collecting"
	OrderStatusConfirmed  = "confirmed"
)

// Result is the outcome of one processed turn: the reply plus the state
// the turn left behind, for callers that surface more than the text.
type Result struct {
	Reply       string     `json:"response"`
	Intent      IntentType `json:"intent"`
	Discount    int        `json:"discount"`
	OrderStatus string     `json:"order_status"`
	OrderID     string     `json:"order_id,omitempty"`
}

// ProcessMessage handles one inbound customer message. Intent
// classification and field extraction degrade to fallbacks on model
// failure; only storage failures surface as errors.
func (e *Engine) ProcessMessage(ctx context.Context, conversationID, sessionID, message string) (*Result, error) {
	conv, err := e.store.GetOrCreateConversation(ctx, conversationID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	history, err := e.store.History(ctx, conversationID, e.agentCfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	intent := e.ClassifyIntent(ctx, conv, history, message)

	var (
		reply  string
		placed *store.Order
	)
	switch intent.Type {
	case IntentRecommendation, IntentProductInquiry:
		reply, err = e.handleProductInquiry(ctx, conv, history, message)
	case IntentDiscountRequest:
		reply, err = e.handleDiscount(ctx, conv, history, message)
	case IntentOrderDetails:
		reply, err = e.handleOrderDetails(ctx, conv, history, message)
	case IntentOrderConfirmation:
		reply, placed, err = e.handleOrderConfirmation(ctx, conv, history, message)
	default:
		reply, err = e.handleGeneralChat(ctx, conv, history, message)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.AppendMessage(ctx, conversationID, "user", message); err != nil {
		e.logger.Error("recording customer message failed", "conversation", conversationID, "error", err)
	}
	if err := e.store.AppendMessage(ctx, conversationID, "assistant", reply); err != nil {
		e.logger.Error("recording reply failed", "conversation", conversationID, "error", err)
	}

	res := &Result{
		Reply:    reply,
		Intent:   intent.Type,
		Discount: conv.CurrentDiscount,
	}
	switch {
	case placed != nil:
		res.OrderStatus = OrderStatusConfirmed
		res.OrderID = placed.ID
	case conv.Pending != nil:
		res.OrderStatus = OrderStatusCollecting
	default:
		res.OrderStatus = OrderStatusNone
	}
	return res, nil
}

// ---------- General chat & product inquiry ----------

func (e *Engine) handleGeneralChat(ctx context.Context, conv *store.Conversation, history []store.Message, message string) (string, error) {
	// Products come along only when the chat actually touches them.
	var context string
	if matches, err := e.catalog.Search(ctx, message, 3); err == nil {
		if relevant := catalog.Relevant(matches); len(relevant) > 0 {
			context = "Products that may be relevant:\n" + e.productContext(relevant, conv.CurrentDiscount)
		}
	}

	user := "CONVERSATION SO FAR:\n" + formatHistory(history)
	if context != "" {
		user += "\n" + context
	}
	user += fmt.Sprintf("\nCustomer said: %q\n\nYour response:", message)

	reply, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: e.personaPrompt()},
		{Role: "user", Content: user},
	})
	if err != nil || reply == "" {
		e.logger.Warn("chat reply generation failed", "conversation", conv.ID, "error", err)
		return fallbackChatReply, nil
	}
	return reply, nil
}

func (e *Engine) handleProductInquiry(ctx context.Context, conv *store.Conversation, history []store.Message, message string) (string, error) {
	matches, err := e.catalog.Search(ctx, message, 3)
	if err != nil {
		e.logger.Warn("product search failed", "conversation", conv.ID, "error", err)
	}

	system := e.personaPrompt() + "\n\nYou are answering a product question. Recommend from the catalog below, mention prices"
	if conv.CurrentDiscount > 0 {
		system += fmt.Sprintf(", and always quote the discounted price (customer has %d%% off)", conv.CurrentDiscount)
	}
	system += ". If nothing fits, say so honestly and suggest the closest thing."

	user := fmt.Sprintf("CONVERSATION SO FAR:\n%s\nCATALOG:\n%s\nCustomer said: %q\n\nYour response:",
		formatHistory(history), e.productContext(matches, conv.CurrentDiscount), message)

	reply, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil || reply == "" {
		e.logger.Warn("inquiry reply generation failed", "conversation", conv.ID, "error", err)
		return fallbackChatReply, nil
	}
	return reply, nil
}

// ---------- Discount negotiation ----------

func (e *Engine) handleDiscount(ctx context.Context, conv *store.Conversation, history []store.Message, message string) (string, error) {
	justified := e.justificationProvided(ctx, message)
	proposal := e.extractProposal(ctx, message)

	// The price being negotiated: pending order first, then best match.
	var originalPrice float64
	if conv.Pending != nil && conv.Pending.OriginalPrice > 0 {
		originalPrice = conv.Pending.OriginalPrice
	}
	matches, err := e.catalog.Search(ctx, message, 3)
	if err != nil {
		e.logger.Warn("product search failed during negotiation", "conversation", conv.ID, "error", err)
	}
	if originalPrice == 0 && len(matches) > 0 {
		originalPrice = matches[0].Product.Price
	}

	prev := conv.CurrentDiscount
	out := Negotiate(NegotiationState{
		Current:     prev,
		Escalations: conv.DiscountEscalations,
	}, justified, proposal, originalPrice)

	if err := e.store.SetDiscount(ctx, conv.ID, out.NewDiscount, out.Escalated); err != nil {
		return "", fmt.Errorf("saving discount: %w", err)
	}
	conv.CurrentDiscount = out.NewDiscount

	// Keep the pending order's price in line with the new discount.
	if conv.Pending != nil && conv.Pending.OriginalPrice > 0 {
		conv.Pending.DiscountedPrice = ApplyDiscount(conv.Pending.OriginalPrice, out.NewDiscount)
		if err := e.store.SetPendingOrder(ctx, conv.ID, conv.Pending); err != nil {
			e.logger.Error("updating pending order price failed", "conversation", conv.ID, "error", err)
		}
	}

	e.logger.Info("discount negotiated",
		"conversation", conv.ID,
		"previous", prev,
		"new", out.NewDiscount,
		"max_reached", out.MaxReached,
		"justified", justified)

	context := e.productContext(matches, out.NewDiscount)
	if conv.Pending != nil && conv.Pending.ProductName != "" {
		context += fmt.Sprintf("\nCURRENTLY NEGOTIATING: %s: %.0f %s → %.0f %s (with %d%% discount)",
			conv.Pending.ProductName, conv.Pending.OriginalPrice, e.agentCfg.Currency,
			ApplyDiscount(conv.Pending.OriginalPrice, out.NewDiscount), e.agentCfg.Currency, out.NewDiscount)
	}

	system := fmt.Sprintf(`%s

You are negotiating a discount.

SITUATION:
- Customer current discount: %d%%
- New discount offer: %d%%
- Is this the FINAL offer? %s
- Valid reason provided? %s

STRATEGY:
%s`,
		e.personaPrompt(), prev, out.NewDiscount,
		yesNo(out.MaxReached), yesNo(justified),
		discountStrategy(prev, out.NewDiscount, out.MaxReached, justified))

	user := fmt.Sprintf("CONVERSATION SO FAR:\n%s\nProducts available:\n%s\nCustomer said: %q\n\nYour response:",
		formatHistory(history), context, message)

	reply, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil || reply == "" {
		e.logger.Warn("discount reply generation failed", "conversation", conv.ID, "error", err)
		return fallbackDiscountReply, nil
	}
	return reply, nil
}

// ---------- Order capture ----------

// resolvePendingProduct makes sure the pending order names a real catalog
// product. Products match by id when both sides have one; name matching
// is the fallback.
func (e *Engine) resolvePendingProduct(ctx context.Context, conv *store.Conversation, history []store.Message, message string, po *store.PendingOrder) {
	name := e.identifyProduct(ctx, history, message)
	if name == "" {
		return
	}

	product, ok, err := e.catalog.MatchName(ctx, name)
	if err != nil {
		e.logger.Warn("product match failed", "conversation", conv.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	if po.ProductID == product.ID && po.ProductID != "" {
		return
	}

	po.ProductID = product.ID
	po.ProductName = product.Name
	po.OriginalPrice = product.Price
	po.DiscountedPrice = ApplyDiscount(product.Price, conv.CurrentDiscount)
}

func (e *Engine) handleOrderDetails(ctx context.Context, conv *store.Conversation, history []store.Message, message string) (string, error) {
	po := conv.Pending
	if po == nil {
		po = &store.PendingOrder{}
	}

	patch := e.extractOrderFields(ctx, message)
	mergeOrder(po, patch)

	if po.ProductName == "" {
		e.resolvePendingProduct(ctx, conv, history, message, po)
	}

	if err := e.store.SetPendingOrder(ctx, conv.ID, po); err != nil {
		return "", fmt.Errorf("saving pending order: %w", err)
	}
	conv.Pending = po

	// This flow collects details only. Confirmation always takes an
	// explicit yes from the customer, handled by the confirmation flow.
	missing := po.MissingFields()

	var instruction string
	if len(missing) > 0 {
		instruction = fmt.Sprintf("Thank them for the details and ask for what's still missing: %s. Ask for one or two things at a time, don't interrogate.", joinAnd(missing))
	} else {
		instruction = "All details are in. Recap the order briefly and ask them to confirm it explicitly before you place it."
	}

	system := e.personaPrompt() + "\n\nYou are collecting order details.\n\n" + e.orderSummary(po) + "\n" + instruction

	user := fmt.Sprintf("CONVERSATION SO FAR:\n%s\nCustomer said: %q\n\nYour response:",
		formatHistory(history), message)

	reply, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil || reply == "" {
		e.logger.Warn("order details reply generation failed", "conversation", conv.ID, "error", err)
		return fallbackOrderPrompt, nil
	}
	return reply, nil
}

// handleOrderConfirmation places the order once every field is present.
// The returned order is nil when the turn only reprompted for details.
func (e *Engine) handleOrderConfirmation(ctx context.Context, conv *store.Conversation, history []store.Message, message string) (string, *store.Order, error) {
	po := conv.Pending
	if po == nil {
		po = &store.PendingOrder{}
	}

	// The confirming message often carries the last missing details.
	mergeOrder(po, e.extractOrderFields(ctx, message))

	if po.ProductName == "" {
		e.resolvePendingProduct(ctx, conv, history, message, po)
	}

	if missing := po.MissingFields(); len(missing) > 0 {
		if err := e.store.SetPendingOrder(ctx, conv.ID, po); err != nil {
			return "", nil, fmt.Errorf("saving pending order: %w", err)
		}
		conv.Pending = po
		reply, err := e.promptForMissing(ctx, conv, history, message, po, missing)
		return reply, nil, err
	}

	po.Confirmed = true

	order := &store.Order{
		ID:              uuid.NewString(),
		ConversationID:  conv.ID,
		ProductID:       po.ProductID,
		ProductName:     po.ProductName,
		OriginalPrice:   po.OriginalPrice,
		DiscountedPrice: po.DiscountedPrice,
		DiscountPercent: conv.CurrentDiscount,
		CustomerName:    po.CustomerName,
		Phone:           po.Phone,
		Address:         po.Address,
		Status:          "confirmed",
	}
	if order.DiscountedPrice == 0 {
		order.DiscountedPrice = ApplyDiscount(order.OriginalPrice, order.DiscountPercent)
	}

	if err := e.store.InsertOrder(ctx, order); err != nil {
		// The customer must never hear "confirmed" for an order that
		// did not verifiably land.
		if errors.Is(err, store.ErrOrderNotPersisted) {
			return "", nil, fmt.Errorf("order %s: %w", order.ID, err)
		}
		return "", nil, fmt.Errorf("persisting order: %w", err)
	}

	if err := e.store.SetPendingOrder(ctx, conv.ID, nil); err != nil {
		e.logger.Error("clearing pending order failed", "conversation", conv.ID, "error", err)
	}
	conv.Pending = nil

	e.logger.Info("order confirmed",
		"conversation", conv.ID,
		"order", order.ID,
		"product", order.ProductName,
		"total", order.DiscountedPrice)

	system := e.personaPrompt() + fmt.Sprintf(`

The order is placed. Confirm it warmly.

ORDER:
- Product: %s
- Total: %.0f %s
- Deliver to: %s, %s

Tell them it's confirmed, repeat the total, and say you'll be in touch about delivery.`,
		order.ProductName, order.DiscountedPrice, e.agentCfg.Currency,
		order.CustomerName, order.Address)

	user := fmt.Sprintf("Customer said: %q\n\nYour response:", message)

	reply, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil || reply == "" {
		e.logger.Warn("confirmation reply generation failed", "conversation", conv.ID, "error", err)
		return fmt.Sprintf("Your order for %s is confirmed! Total: %.0f %s. We'll contact you soon about delivery.",
			order.ProductName, order.DiscountedPrice, e.agentCfg.Currency), order, nil
	}
	return reply, order, nil
}

func (e *Engine) promptForMissing(ctx context.Context, conv *store.Conversation, history []store.Message, message string, po *store.PendingOrder, missing []string) (string, error) {
	system := e.personaPrompt() + fmt.Sprintf(`

The customer wants to confirm but the order isn't complete yet.

%s
Ask for the missing details (%s) before confirming anything.`,
		e.orderSummary(po), joinAnd(missing))

	user := fmt.Sprintf("CONVERSATION SO FAR:\n%s\nCustomer said: %q\n\nYour response:",
		formatHistory(history), message)

	reply, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	})
	if err != nil || reply == "" {
		e.logger.Warn("missing-fields reply generation failed", "conversation", conv.ID, "error", err)
		return fallbackOrderPrompt, nil
	}
	return reply, nil
}

// ---------- Helpers ----------

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		out := items[0]
		for _, s := range items[1 : len(items)-1] {
			out += ", " + s
		}
		return out + " and " + items[len(items)-1]
	}
}
