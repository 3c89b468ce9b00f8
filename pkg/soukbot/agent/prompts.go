package agent

import (
	"fmt"
	"strings"

	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

// Deterministic replies used when the model is unavailable. The customer
// always gets an answer, even on a bad provider day.
const (
	fallbackDiscountReply = "Alright, let's see what we can do."
	fallbackOrderPrompt   = "To complete your order, please provide your name, phone number, and delivery address."
	fallbackChatReply     = "Thanks for your message! How can I help you today?"
)

// apologyReply is sent when a turn fails entirely.
func apologyReply(agentName string) string {
	return fmt.Sprintf("Sorry, I encountered an error. Please try again. - %s", agentName)
}

// personaPrompt is the base system prompt shared by the reply generators.
func (e *Engine) personaPrompt() string {
	return fmt.Sprintf(`You're %s, a 26-year-old salesperson at %s, chatting with customers on WhatsApp.

GENERAL RULES:
- DETECT LANGUAGE: match the customer's language (English, French, or Moroccan Darija).
- DARIJA (ARABIZI): use numbers for letters ('7', '3', '9', '5'). Urban Casablanca accent. Example: "Sma7 lia", "hadchi li kayn", "m3ak".
- French: casual "tu", natural slang.
- English: casual texting style.
- Short responses (1-2 sentences per thought).
- Separate distinct thoughts with a blank line.
- NO markdown, no bullet points.
- NEVER be formal.
- Prices are in %s.`, e.settings.AgentName(), e.agentCfg.Store, e.agentCfg.Currency)
}

// productContext renders search results as prompt context, applying the
// conversation's discount so the model quotes the right prices.
func (e *Engine) productContext(matches []productMatch, discount int) string {
	if len(matches) == 0 {
		return "No matching products found in the catalog."
	}
	var sb strings.Builder
	for _, m := range matches {
		if discount > 0 {
			fmt.Fprintf(&sb, "%s: %.0f %s → %.0f %s (with %d%% discount)",
				m.Product.Name, m.Product.Price, e.agentCfg.Currency,
				ApplyDiscount(m.Product.Price, discount), e.agentCfg.Currency, discount)
		} else {
			fmt.Fprintf(&sb, "%s: %.0f %s", m.Product.Name, m.Product.Price, e.agentCfg.Currency)
		}
		if m.Product.Description != "" {
			fmt.Fprintf(&sb, " - %s", m.Product.Description)
		}
		if m.Product.Stock == 0 {
			sb.WriteString(" (out of stock)")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// discountStrategy picks the negotiation phase instructions for the
// discount reply prompt.
func discountStrategy(current, offered int, maxReached, justified bool) string {
	switch {
	case current == 0 && !justified:
		return `PHASE 1: VALUE SELL (no discount yet)
- The customer asked for a discount but hasn't given a reason (budget, competitor, etc).
- DO NOT offer a discount.
- Politely explain the value of the product instead.
- Ask a qualifying question: "What is your budget?" or "Are you looking for something specific?"`

	case current == 0 && justified:
		return fmt.Sprintf(`PHASE 2: INITIAL OFFER (first discount)
- They gave a reason. Offer a SMALL discount.
- "I understand. Since [reference their reason], I can offer you %d%% off."
- Make it sound special: "strictly for you".`, offered)

	case !maxReached:
		return fmt.Sprintf(`PHASE 3: NEGOTIATION (increasing discount)
- They are pushing for more.
- Reluctantly agree to increase to %d%%.
- "Okay, I spoke to my manager. I can do %d%% but that's really pushing it."`, offered, offered)

	default:
		return fmt.Sprintf(`PHASE 4: FINAL OFFER (max limit)
- You cannot go higher than %d%%.
- Be firm but polite: "%d%% is our absolute best price."
- Focus on the final price value and push for the sale.`, offered, offered)
	}
}

// orderSummary renders the pending order for confirmation prompts.
func (e *Engine) orderSummary(po *store.PendingOrder) string {
	var sb strings.Builder
	sb.WriteString("ORDER SO FAR:\n")
	if po.ProductName != "" {
		fmt.Fprintf(&sb, "- Product: %s\n", po.ProductName)
		if po.DiscountedPrice > 0 && po.DiscountedPrice < po.OriginalPrice {
			fmt.Fprintf(&sb, "- Price: %.0f %s (discounted from %.0f %s)\n",
				po.DiscountedPrice, e.agentCfg.Currency, po.OriginalPrice, e.agentCfg.Currency)
		} else if po.OriginalPrice > 0 {
			fmt.Fprintf(&sb, "- Price: %.0f %s\n", po.OriginalPrice, e.agentCfg.Currency)
		}
	}
	if po.CustomerName != "" {
		fmt.Fprintf(&sb, "- Name: %s\n", po.CustomerName)
	}
	if po.Phone != "" {
		fmt.Fprintf(&sb, "- Phone: %s\n", po.Phone)
	}
	if po.Address != "" {
		fmt.Fprintf(&sb, "- Address: %s\n", po.Address)
	}
	if missing := po.MissingFields(); len(missing) > 0 {
		fmt.Fprintf(&sb, "- Still missing: %s\n", strings.Join(missing, ", "))
	}
	return sb.String()
}
