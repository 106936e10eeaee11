package mandate

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trustagent/mandates/pkg/finance"
)

// Execution actions.
const (
	ActionSavingsAutomation = "savings_automation_created"
	ActionBudgetAlert       = "budget_alert_created"
	ActionIntentProcessed   = "intent_processed"
	ActionCartProcessed     = "subscription_payment_processed"
	ActionPaymentExecuted   = "payment_executed"
)

// ExecutionResult describes what an execution did. Fields not relevant to
// the mandate's kind are left empty.
type ExecutionResult struct {
	Kind          Kind           `json:"kind"`
	Action        string         `json:"action"`
	TxRef         string         `json:"tx_ref,omitempty"`
	Amount        *finance.Money `json:"amount,omitempty"`
	Purpose       string         `json:"purpose,omitempty"`
	TotalAmount   *finance.Money `json:"total_amount,omitempty"`
	ItemCount     int            `json:"item_count,omitempty"`
	ActionCreated bool           `json:"action_created,omitempty"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	Details       string         `json:"details,omitempty"`
	ExecutedAt    time.Time      `json:"executed_at"`
}

func newExecutionResult(m *Mandate, at time.Time) *ExecutionResult {
	res := &ExecutionResult{Kind: m.Kind, ExecutedAt: at}

	switch p := m.Payload.(type) {
	case IntentPayload:
		res.Action = ActionIntentProcessed
		switch p.IntentType {
		case "savings_goal":
			res.Action = ActionSavingsAutomation
			res.ActionCreated = true
			amount := "an unspecified amount"
			if p.Amount != nil {
				amount = p.Amount.String()
			}
			res.Details = fmt.Sprintf("automated %s %s savings goal activated", amount, p.Frequency)
		case "budget_alert":
			res.Action = ActionBudgetAlert
			res.ActionCreated = true
			threshold := "no threshold"
			if p.Threshold != nil {
				threshold = p.Threshold.String()
			}
			res.Details = fmt.Sprintf("budget alert for %s set at %s", orDefault(p.Category, "all spending"), threshold)
		}
		if next, ok := NextRun(at, p.Frequency); ok && res.ActionCreated {
			res.NextRunAt = &next
		}
	case CartPayload:
		total := p.TotalAmount
		res.Action = ActionCartProcessed
		res.TxRef = newTxRef()
		res.TotalAmount = &total
		res.ItemCount = len(p.Items)
		if next, ok := NextRun(at, p.Frequency); ok {
			res.NextRunAt = &next
		}
	case PaymentPayload:
		amount := p.Amount
		res.Action = ActionPaymentExecuted
		res.TxRef = newTxRef()
		res.Amount = &amount
		res.Purpose = p.Purpose
	}
	return res
}

// NextRun returns the next occurrence of a recurring schedule after from.
// One-off and unset frequencies have no next run.
func NextRun(from time.Time, f Frequency) (time.Time, bool) {
	switch f {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1), true
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7), true
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14), true
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0), true
	case FrequencyQuarterly:
		return from.AddDate(0, 3, 0), true
	case FrequencyYearly:
		return from.AddDate(1, 0, 0), true
	default:
		return time.Time{}, false
	}
}

func newTxRef() string {
	return "tx_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
