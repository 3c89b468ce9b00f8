package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mharbouli/soukbot/pkg/soukbot/llm"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

// IntentType labels what the customer wants this turn.
type IntentType string

const (
	IntentRecommendation    IntentType = "recommendation"
	IntentProductInquiry    IntentType = "product_inquiry"
	IntentDiscountRequest   IntentType = "discount_request"
	IntentOrderConfirmation IntentType = "order_confirmation"
	IntentOrderDetails      IntentType = "order_details"
	IntentGeneralChat       IntentType = "general_chat"
	IntentGreeting          IntentType = "greeting"
)

// Intent is the classification result for one inbound message.
type Intent struct {
	Type             IntentType `json:"type"`
	Confidence       float64    `json:"confidence"`
	RequiresProducts bool       `json:"requiresProducts"`
}

// fallbackIntent is used whenever classification fails. A misrouted turn
// still gets a conversational answer, it is never dropped.
var fallbackIntent = Intent{
	Type:             IntentGeneralChat,
	Confidence:       0.5,
	RequiresProducts: false,
}

var validIntents = map[IntentType]bool{
	IntentRecommendation:    true,
	IntentProductInquiry:    true,
	IntentDiscountRequest:   true,
	IntentOrderConfirmation: true,
	IntentOrderDetails:      true,
	IntentGeneralChat:       true,
	IntentGreeting:          true,
}

const intentSystemPrompt = `You classify WhatsApp messages sent to a salesperson.

Categories:
- "recommendation": customer wants product suggestions ("what do you recommend?", "I need a laptop for gaming")
- "product_inquiry": question about a specific product (price, specs, availability)
- "discount_request": asking for a lower price, a deal, or proposing a price
- "order_confirmation": confirming they want to buy ("yes, I'll take it", "confirm my order")
- "order_details": providing name, phone number, or delivery address for an order
- "general_chat": anything else
- "greeting": hello/salam/bonjour with no other content

The customer writes in English, French, or Moroccan Darija (arabizi).

Return ONLY a JSON object:
{"type": "<category>", "confidence": <0..1>, "requiresProducts": <bool>}`

// ClassifyIntent labels the customer message using the model, with
// conversation context so follow-ups like "and in black?" route correctly.
// Any classification failure falls back to general chat.
func (e *Engine) ClassifyIntent(ctx context.Context, conv *store.Conversation, history []store.Message, message string) Intent {
	var sb strings.Builder
	sb.WriteString("CONVERSATION CONTEXT:\n")
	fmt.Fprintf(&sb, "- Current discount: %d%%\n", conv.CurrentDiscount)
	if conv.Pending != nil {
		fmt.Fprintf(&sb, "- Order in progress, still missing: %s\n",
			strings.Join(conv.Pending.MissingFields(), ", "))
	}
	sb.WriteString("\nRECENT MESSAGES:\n")
	sb.WriteString(formatHistory(history))
	fmt.Fprintf(&sb, "\nCustomer said: %q\n", message)

	var intent Intent
	err := e.llm.CompleteJSON(ctx, []llm.Message{
		{Role: "system", Content: intentSystemPrompt},
		{Role: "user", Content: sb.String()},
	}, &intent)
	if err != nil {
		e.logger.Warn("intent classification failed, using fallback",
			"conversation", conv.ID, "error", err)
		return fallbackIntent
	}

	if !validIntents[intent.Type] {
		e.logger.Warn("model returned unknown intent, using fallback",
			"conversation", conv.ID, "intent", string(intent.Type))
		return fallbackIntent
	}

	e.logger.Debug("intent classified",
		"conversation", conv.ID,
		"intent", string(intent.Type),
		"confidence", intent.Confidence)
	return intent
}

// formatHistory renders stored messages as labeled lines for prompts.
func formatHistory(history []store.Message) string {
	if len(history) == 0 {
		return "This is the start of the conversation.\n"
	}
	var sb strings.Builder
	for _, m := range history {
		label := "Customer"
		if m.Role == "assistant" {
			label = "Agent"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, m.Content)
	}
	return sb.String()
}
