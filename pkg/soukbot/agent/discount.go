package agent

import "math"

// Discount negotiation limits. The soft limit is what the persona offers
// on its own; the hard limit needs an explicit customer proposal.
const (
	softDiscountLimit = 5
	hardDiscountLimit = 10
)

// Proposal is a specific price or percentage the customer asked for.
// Exactly one field is set.
type Proposal struct {
	Percent *int
	Price   *float64
}

// NegotiationState is the discount state carried by a conversation.
type NegotiationState struct {
	// Current is the discount percent already granted.
	Current int

	// Escalations counts phased concessions made so far.
	Escalations int
}

// Outcome is the result of one negotiation round.
type Outcome struct {
	// NewDiscount is the percent to grant, never below the current one.
	NewDiscount int

	// MaxReached means no further concession is possible.
	MaxReached bool

	// Escalated means this round consumed a phased concession.
	Escalated bool
}

// Negotiate computes the next discount. Explicit customer proposals are
// honored up to the hard limit; otherwise concessions follow a phased
// ladder: nothing without a reason, a small initial offer with one, then
// two escalations up to the soft limit. The result never goes below the
// discount already granted.
func Negotiate(state NegotiationState, justified bool, proposal *Proposal, originalPrice float64) Outcome {
	out := Outcome{NewDiscount: state.Current}

	switch {
	case proposal != nil && proposal.Percent != nil:
		out.NewDiscount = min(*proposal.Percent, hardDiscountLimit)

	case proposal != nil && proposal.Price != nil && originalPrice > 0:
		implied := int(math.Round((originalPrice - *proposal.Price) / originalPrice * 100))
		if implied > 0 {
			out.NewDiscount = min(implied, hardDiscountLimit)
		} else {
			out = phased(state, justified)
		}

	default:
		out = phased(state, justified)
	}

	// Discounts only move up and stay inside [0, hard limit].
	if out.NewDiscount < state.Current {
		out.NewDiscount = state.Current
	}
	if out.NewDiscount > hardDiscountLimit {
		out.NewDiscount = hardDiscountLimit
	}
	if out.NewDiscount < 0 {
		out.NewDiscount = 0
	}
	if out.NewDiscount >= hardDiscountLimit {
		out.MaxReached = true
	}

	return out
}

// phased walks the concession ladder for requests without a specific number.
func phased(state NegotiationState, justified bool) Outcome {
	switch {
	case state.Current == 0 && !justified:
		// No reason given yet. Hold the line and sell value instead.
		return Outcome{NewDiscount: 0}

	case state.Current == 0 && justified:
		return Outcome{NewDiscount: 2}

	case state.Escalations < 2:
		return Outcome{
			NewDiscount: min(state.Current+2, softDiscountLimit),
			Escalated:   true,
		}

	default:
		if state.Current < softDiscountLimit {
			return Outcome{NewDiscount: softDiscountLimit}
		}
		// Both escalations spent and already at the soft limit: final offer.
		return Outcome{NewDiscount: state.Current, MaxReached: true}
	}
}

// ApplyDiscount returns the price after a percent discount.
func ApplyDiscount(price float64, percent int) float64 {
	return math.Round(price*(1-float64(percent)/100)*100) / 100
}
