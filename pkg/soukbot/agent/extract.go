package agent

import (
	"context"
	"strings"

	"github.com/mharbouli/soukbot/pkg/soukbot/llm"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

const justificationPrompt = `Analyze if the customer provided a VALID REASON or JUSTIFICATION for a discount.

VALID REASONS:
- "It is too expensive" / budget constraints
- "I saw it cheaper elsewhere" / competitor price
- "I am buying many items" / bulk purchase
- "I am a student/loyal customer"
- Any specific reason beyond just "give me discount"

INVALID REASONS:
- "Discount please"
- "Lower the price"
- "Best price?"
- Just asking for a deal without context

Return ONLY "true" if a reason is provided, "false" otherwise.`

// justificationProvided asks the model whether the customer gave a real
// reason for a discount. Errors count as "no reason": the safe direction
// is to hold the price.
func (e *Engine) justificationProvided(ctx context.Context, message string) bool {
	reply, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: justificationPrompt},
		{Role: "user", Content: message},
	})
	if err != nil {
		e.logger.Warn("justification analysis failed", "error", err)
		return false
	}
	return strings.Contains(strings.ToLower(reply), "true")
}

const proposalPrompt = `Analyze the user's message and extract if they are proposing a specific price or a discount percentage.
Return ONLY a JSON object: {"type": "price" | "percent", "value": number} or null if no proposal found.
- If user says "12000 MAD" -> {"type": "price", "value": 12000}
- If user says "5% off" -> {"type": "percent", "value": 5}
- If user says "Give me a discount" (no specific number) -> null
- If user says "Last price 1000" -> {"type": "price", "value": 1000}`

// extractProposal pulls a concrete price or percent out of the message.
// Nil means the customer asked for a deal without naming a number, which
// routes to the phased ladder instead.
func (e *Engine) extractProposal(ctx context.Context, message string) *Proposal {
	var raw struct {
		Type  string  `json:"type"`
		Value float64 `json:"value"`
	}
	err := e.llm.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: proposalPrompt},
		{Role: "user", Content: message},
	}, &raw)
	if err != nil {
		e.logger.Debug("no proposal extracted", "error", err)
		return nil
	}

	switch raw.Type {
	case "percent":
		p := int(raw.Value)
		return &Proposal{Percent: &p}
	case "price":
		v := raw.Value
		return &Proposal{Price: &v}
	default:
		return nil
	}
}

const orderFieldsPrompt = `Extract order details from the customer's message.
Return ONLY a JSON object with any of these fields that are present:
{"customerName": "...", "phone": "...", "address": "..."}
Omit fields that are not in the message. Phone numbers may be Moroccan
(starting 06/07 or +212). Do not invent values.

Examples:
- "My name is Youssef, 0612345678" -> {"customerName": "Youssef", "phone": "0612345678"}
- "Deliver to 12 Rue Atlas, Casablanca" -> {"address": "12 Rue Atlas, Casablanca"}
- "yes confirm" -> {}`

// extractOrderFields pulls customer details out of a message. Extraction
// failure yields an empty patch, never an error: the flow reprompts for
// whatever is still missing.
func (e *Engine) extractOrderFields(ctx context.Context, message string) store.PendingOrder {
	var patch struct {
		CustomerName string `json:"customerName"`
		Phone        string `json:"phone"`
		Address      string `json:"address"`
	}
	err := e.llm.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: orderFieldsPrompt},
		{Role: "user", Content: message},
	}, &patch)
	if err != nil {
		e.logger.Warn("order field extraction failed", "error", err)
		return store.PendingOrder{}
	}
	return store.PendingOrder{
		CustomerName: strings.TrimSpace(patch.CustomerName),
		Phone:        strings.TrimSpace(patch.Phone),
		Address:      strings.TrimSpace(patch.Address),
	}
}

const productNamePrompt = `From the conversation, identify the product the customer wants to order.
Return ONLY a JSON object: {"product": "<product name>"} or {"product": ""} if unclear.`

// identifyProduct asks the model which product the conversation is about.
func (e *Engine) identifyProduct(ctx context.Context, history []store.Message, message string) string {
	var raw struct {
		Product string `json:"product"`
	}
	prompt := "CONVERSATION:\n" + formatHistory(history) + "\nCustomer said: " + message
	err := e.llm.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: productNamePrompt},
		{Role: "user", Content: prompt},
	}, &raw)
	if err != nil {
		e.logger.Warn("product identification failed", "error", err)
		return ""
	}
	return strings.TrimSpace(raw.Product)
}

// mergeOrder copies non-empty fields from patch into the pending order.
// Existing values are never overwritten by blanks.
func mergeOrder(po *store.PendingOrder, patch store.PendingOrder) {
	if patch.ProductID != "" {
		po.ProductID = patch.ProductID
	}
	if patch.ProductName != "" {
		po.ProductName = patch.ProductName
	}
	if patch.OriginalPrice > 0 {
		po.OriginalPrice = patch.OriginalPrice
	}
	if patch.DiscountedPrice > 0 {
		po.DiscountedPrice = patch.DiscountedPrice
	}
	if patch.CustomerName != "" {
		po.CustomerName = patch.CustomerName
	}
	if patch.Phone != "" {
		po.Phone = patch.Phone
	}
	if patch.Address != "" {
		po.Address = patch.Address
	}
}
