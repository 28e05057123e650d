package triage

import (
	"errors"
	"fmt"
	"strings"

	"wismo-triage/pkg/models"
	"wismo-triage/pkg/tools"
)

var fieldPrompts = map[string]string{
	models.FieldOrderID: "Your order ID (example: A1004)",
	models.FieldEmail:   "The email used for the order",
}

func missingFieldsReply(missing []string) string {
	var b strings.Builder
	if len(missing) == 1 {
		b.WriteString("To help you, I need one more detail:\n")
	} else {
		b.WriteString("To help you, I need a couple details:\n")
	}
	for i, field := range missing {
		fmt.Fprintf(&b, "%d) %s\n", i+1, fieldPrompts[field])
	}
	return b.String()
}

func verifyDetailsReply(err error) string {
	switch {
	case errors.Is(err, tools.ErrEmailMismatch):
		return "That email doesn't match the order on file. Please double-check your order ID and email and try again."
	case errors.Is(err, tools.ErrOrderNotFound):
		return "I couldn't find that order. Please confirm your order ID and email."
	}
	return "Something went wrong while looking up your order. Please confirm your order ID and email and try again."
}

func decisionReply(t *turn) string {
	switch t.action {
	case models.ActionEscalate:
		return escalationReply(t)
	case models.ActionAskAccessQuestions:
		if t.status == models.StatusDeliveryAttempted {
			return "It looks like a delivery was attempted.\n" +
				"Quick questions:\n" +
				"1) Unit/apt/buzzer or gate code?\n" +
				"2) Best phone number for the courier?\n" +
				"3) Prefer re-delivery or pickup?"
		}
		return "It's marked delivered. Here's a quick checklist:\n" +
			"- Check mailbox, porch, garage and side doors\n" +
			"- Check with neighbors or others in your household\n" +
			"- If you live in an apartment or condo, check the mailroom, concierge or lockers\n" +
			"- Look for a carrier photo or note\n\n" +
			"If you still can't find it after 24 hours, reply here and I'll open an investigation."
	case models.ActionAskDamageDetails:
		return "Sorry about that, it looks like the package may be damaged.\n" +
			"Please confirm:\n" +
			"1) Outer box damaged, item damaged, or both?\n" +
			"2) Prefer replacement or refund?\n" +
			"If you have a photo, you can upload it too."
	case models.ActionVerifyAddress:
		opening := "Let's confirm your shipping address."
		if t.status == models.StatusReturnedToSender {
			opening = "Your package was returned to sender. Let's confirm your shipping address so we can resend it."
		}
		return opening + "\n" +
			"Please reply with:\n" +
			"1) Full address (street, city, province, postal code)\n" +
			"2) Unit/apt/buzzer number (if any)\n" +
			"3) Preferred phone number for the courier"
	case models.ActionProvideStatus:
		return statusReply(t)
	}
	return fmt.Sprintf("I'm not fully sure what's happening with order %s. Could you tell me a bit more about the problem?", t.session.ConfirmedOrderID)
}

func escalationReply(t *turn) string {
	id := t.caseRecord.CaseID
	if t.caseCreated {
		return fmt.Sprintf("I'm escalating this to a human support agent. I created a case (%s). A support agent will follow up.", id)
	}
	return fmt.Sprintf("This is already with our support team under case %s. A support agent will follow up.", id)
}

func statusReply(t *turn) string {
	orderID := t.session.ConfirmedOrderID
	if t.shipment == nil {
		return fmt.Sprintf("I couldn't find tracking updates for order %s yet. Please check back soon.", orderID)
	}

	last := t.shipment.LatestEventTime().Format("Jan 2, 15:04 MST")
	switch t.status {
	case models.StatusDelivered:
		return fmt.Sprintf("Order %s was delivered by %s (last update %s).", orderID, t.shipment.Carrier, last)
	case models.StatusDelayed:
		return fmt.Sprintf("Order %s is delayed with %s (last update %s). It's still on its way and we'll keep watching it.", orderID, t.shipment.Carrier, last)
	case models.StatusStuckInTransit:
		return fmt.Sprintf("Order %s hasn't had a tracking update since %s. If it doesn't move soon, I can open a carrier investigation.", orderID, last)
	}
	return fmt.Sprintf("Order %s is in transit with %s (last update %s). If it doesn't move for 48 hours, I can open a carrier investigation.", orderID, t.shipment.Carrier, last)
}

func handoffNote(t *turn) string {
	note := fmt.Sprintf("intent=%s status=%s reason=%s", t.intent, t.status, t.decision.CaseReason)
	if t.order != nil {
		note += fmt.Sprintf(" value=%.2f", t.order.Value)
	}
	if len(t.riskFlags) > 0 {
		note += " risk=" + strings.Join(t.riskFlags, ",")
	}
	return note + " message=" + t.message
}
