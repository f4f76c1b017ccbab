// Package concierge wires a small customer support crew: a triage agent that
// answers directly or hands the conversation to a billing specialist. The
// billing agent carries a refund tool gated behind human approval.
package concierge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/maestro/agent"
	"goa.design/maestro/guardrail"
	"goa.design/maestro/tools"
	"goa.design/maestro/transcript"
)

// orders is the demo order book.
var orders = map[string]struct {
	Item  string
	Cents int
}{
	"ord-1001": {Item: "espresso machine", Cents: 24900},
	"ord-1002": {Item: "burr grinder", Cents: 8900},
}

var orderSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"order_id": map[string]any{"type": "string"},
	},
	"required": []any{"order_id"},
}

// LookupOrderTool returns order details by ID.
func LookupOrderTool() *tools.Tool {
	return tools.New("lookup_order", "Look up an order by its ID.", orderSchema,
		func(_ context.Context, args json.RawMessage) (any, error) {
			var p struct {
				OrderID string `json:"order_id"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, err
			}
			o, ok := orders[p.OrderID]
			if !ok {
				return nil, fmt.Errorf("no such order %q", p.OrderID)
			}
			return map[string]any{"item": o.Item, "total_cents": o.Cents}, nil
		})
}

// RefundTool issues a refund. Every call requires a human decision.
func RefundTool() *tools.Tool {
	t := tools.New("issue_refund", "Refund an order in full.", orderSchema,
		func(_ context.Context, args json.RawMessage) (any, error) {
			var p struct {
				OrderID string `json:"order_id"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, err
			}
			if _, ok := orders[p.OrderID]; !ok {
				return nil, fmt.Errorf("no such order %q", p.OrderID)
			}
			return "refund issued for " + p.OrderID, nil
		})
	t.RequiresApproval = true
	return t
}

// NewCrew builds the triage agent and its billing peer.
func NewCrew() *agent.Agent {
	billing := agent.New("Billing",
		"You are a billing specialist. Use lookup_order to verify orders and "+
			"issue_refund when a refund is warranted. Be concise.")
	billing.Tools = []*tools.Tool{LookupOrderTool(), RefundTool()}

	triage := agent.New("Triage",
		"You are a support concierge. Answer product questions yourself. "+
			"Transfer billing matters (orders, payments, refunds) to the billing agent.")
	triage.InputGuardrails = []guardrail.Guardrail{profanityGuardrail()}
	triage.Transfers = []*agent.Transfer{{
		Target:      billing,
		Description: "Hand off order, payment and refund questions.",
		// The specialist only needs the conversation, not tool traffic.
		InputFilter: transcript.RemoveToolTraffic(),
	}}
	return triage
}

func profanityGuardrail() guardrail.Guardrail {
	blocked := []string{"dammit"}
	return guardrail.NewInput("profanity", func(_ context.Context, content string, _ any) (guardrail.Result, error) {
		lower := strings.ToLower(content)
		for _, w := range blocked {
			if strings.Contains(lower, w) {
				return guardrail.Block("please rephrase without profanity"), nil
			}
		}
		return guardrail.Pass(), nil
	})
}
