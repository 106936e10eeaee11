package mandate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trustagent/mandates/pkg/finance"
	"github.com/trustagent/mandates/pkg/risk"
)

// Payload is the kind-specific body of a mandate. The set of implementations
// is closed: IntentPayload, CartPayload and PaymentPayload.
type Payload interface {
	Kind() Kind
	// Validate reports the first malformed field.
	Validate() error
	// Exposure is the view of the payload the trust scorer consumes.
	Exposure() risk.Exposure

	// prepare validates and fills derived fields.
	prepare() (Payload, error)
}

// Frequency of a recurring intent or cart.
type Frequency string

const (
	FrequencyOnce      Frequency = "once"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyBiweekly,
		FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// Urgency of a payment. Only emergencies can be auto-approved.
type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencyHigh, UrgencyEmergency:
		return true
	}
	return false
}

// IntentPayload expresses a standing instruction such as a savings goal.
type IntentPayload struct {
	IntentType  string         `json:"intent_type"`
	Amount      *finance.Money `json:"amount,omitempty"`
	Frequency   Frequency      `json:"frequency"`
	Category    string         `json:"category,omitempty"`
	Threshold   *finance.Money `json:"threshold,omitempty"`
	Description string         `json:"description,omitempty"`
}

func (IntentPayload) Kind() Kind { return KindIntent }

func (p IntentPayload) Validate() error {
	_, err := p.prepare()
	return err
}

func (p IntentPayload) prepare() (Payload, error) {
	p.IntentType = strings.TrimSpace(p.IntentType)
	if p.IntentType == "" {
		return nil, validationf("intent_type is required")
	}
	if p.Frequency == "" {
		p.Frequency = FrequencyMonthly
	}
	if !p.Frequency.Valid() {
		return nil, validationf("unknown frequency %q", p.Frequency)
	}
	if p.Amount != nil && p.Amount.IsNegative() {
		return nil, validationf("amount must not be negative")
	}
	if p.Threshold != nil && p.Threshold.IsNegative() {
		return nil, validationf("threshold must not be negative")
	}
	return p, nil
}

func (p IntentPayload) Exposure() risk.Exposure {
	e := risk.Exposure{Class: risk.ClassIntent, IntentType: p.IntentType}
	if p.Amount != nil {
		e.Amount = p.Amount.Decimal()
		e.Minor = p.Amount.AmountMinor
		e.Currency = p.Amount.Currency
	}
	return e
}

// CartItem is one pre-approved charge in a cart.
type CartItem struct {
	Name     string        `json:"name"`
	Amount   finance.Money `json:"amount"`
	Quantity int64         `json:"quantity"`
}

// CartPayload is a recurring bundle of charges such as subscriptions.
type CartPayload struct {
	Items       []CartItem    `json:"items"`
	TotalAmount finance.Money `json:"total_amount"`
	Merchant    string        `json:"merchant,omitempty"`
	Frequency   Frequency     `json:"frequency,omitempty"`
}

func (CartPayload) Kind() Kind { return KindCart }

func (p CartPayload) Validate() error {
	_, err := p.prepare()
	return err
}

// prepare computes total_amount from the items. A caller-supplied total that
// disagrees is rejected rather than trusted.
func (p CartPayload) prepare() (Payload, error) {
	if len(p.Items) == 0 {
		return nil, validationf("cart requires at least one item")
	}
	if p.Frequency != "" && !p.Frequency.Valid() {
		return nil, validationf("unknown frequency %q", p.Frequency)
	}

	items := make([]CartItem, len(p.Items))
	var total finance.Money
	for i, it := range p.Items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			return nil, validationf("items[%d].name is required", i)
		}
		if it.Quantity == 0 {
			it.Quantity = 1
		}
		if it.Quantity < 0 {
			return nil, validationf("items[%d].quantity must be positive", i)
		}
		if !it.Amount.IsPositive() {
			return nil, validationf("items[%d].amount must be positive", i)
		}
		line, err := it.Amount.Mul(it.Quantity)
		if err != nil {
			return nil, validationf("items[%d]: %v", i, err)
		}
		if i == 0 {
			total = line
		} else {
			sum, err := total.Add(line)
			if err != nil {
				return nil, validationf("items[%d]: %v", i, err)
			}
			total = sum
		}
		items[i] = it
	}

	if !p.TotalAmount.IsZero() && p.TotalAmount != total {
		return nil, validationf("total_amount %s does not match items total %s", p.TotalAmount, total)
	}
	p.Items = items
	p.TotalAmount = total
	return p, nil
}

func (p CartPayload) Exposure() risk.Exposure {
	return risk.Exposure{
		Class:    risk.ClassCart,
		Amount:   p.TotalAmount.Decimal(),
		Minor:    p.TotalAmount.AmountMinor,
		Currency: p.TotalAmount.Currency,
	}
}

// PaymentPayload is a one-off payment.
type PaymentPayload struct {
	Amount    finance.Money `json:"amount"`
	Purpose   string        `json:"purpose"`
	Urgency   Urgency       `json:"urgency"`
	Recipient string        `json:"recipient,omitempty"`
}

func (PaymentPayload) Kind() Kind { return KindPayment }

func (p PaymentPayload) Validate() error {
	_, err := p.prepare()
	return err
}

// prepare defaults urgency: a payment whose stated purpose is "emergency" is
// an emergency, anything else is normal.
func (p PaymentPayload) prepare() (Payload, error) {
	if !p.Amount.IsPositive() {
		return nil, validationf("amount must be positive")
	}
	p.Purpose = strings.TrimSpace(p.Purpose)
	if p.Purpose == "" {
		return nil, validationf("purpose is required")
	}
	if p.Urgency == "" {
		if strings.EqualFold(p.Purpose, string(UrgencyEmergency)) {
			p.Urgency = UrgencyEmergency
		} else {
			p.Urgency = UrgencyNormal
		}
	}
	if !p.Urgency.Valid() {
		return nil, validationf("unknown urgency %q", p.Urgency)
	}
	return p, nil
}

func (p PaymentPayload) Exposure() risk.Exposure {
	return risk.Exposure{
		Class:     risk.ClassPayment,
		Amount:    p.Amount.Decimal(),
		Minor:     p.Amount.AmountMinor,
		Currency:  p.Amount.Currency,
		Emergency: p.Urgency == UrgencyEmergency,
	}
}

// Prepare validates p and returns it with derived fields filled in.
func Prepare(p Payload) (Payload, error) {
	if p == nil {
		return nil, validationf("payload is required")
	}
	return p.prepare()
}

// DecodePayload decodes the stored JSON form of a payload of the given kind.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	switch kind {
	case KindIntent:
		var p IntentPayload
		if err := dec.Decode(&p); err != nil {
			return nil, validationf("intent payload: %v", err)
		}
		return p, nil
	case KindCart:
		var p CartPayload
		if err := dec.Decode(&p); err != nil {
			return nil, validationf("cart payload: %v", err)
		}
		return p, nil
	case KindPayment:
		var p PaymentPayload
		if err := dec.Decode(&p); err != nil {
			return nil, validationf("payment payload: %v", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown mandate kind %q", ErrValidation, kind)
	}
}
