package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/trustagent/mandates/pkg/finance"
	"github.com/trustagent/mandates/pkg/mandate"
)

const schemaBase = "https://ap2.trustagent.dev/schemas/"

// Amounts arrive as JSON numbers or decimal strings in major units.
const amountDef = `{
	"oneOf": [
		{"type": "number", "minimum": 0},
		{"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"}
	]
}`

const frequencyEnum = `["once", "daily", "weekly", "biweekly", "monthly", "quarterly", "yearly"]`

var requestSchemas = map[mandate.Kind]string{
	mandate.KindIntent: `{
		"type": "object",
		"required": ["intent_type"],
		"additionalProperties": false,
		"properties": {
			"intent_type": {"type": "string", "minLength": 1, "maxLength": 64},
			"amount": {"$ref": "#/$defs/amount"},
			"threshold": {"$ref": "#/$defs/amount"},
			"currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
			"frequency": {"enum": ` + frequencyEnum + `},
			"category": {"type": "string", "maxLength": 128},
			"description": {"type": "string", "maxLength": 1024}
		},
		"$defs": {"amount": ` + amountDef + `}
	}`,
	mandate.KindCart: `{
		"type": "object",
		"required": ["items"],
		"additionalProperties": false,
		"properties": {
			"items": {
				"type": "array",
				"minItems": 1,
				"maxItems": 100,
				"items": {
					"type": "object",
					"required": ["name", "amount"],
					"additionalProperties": false,
					"properties": {
						"name": {"type": "string", "minLength": 1, "maxLength": 256},
						"amount": {"$ref": "#/$defs/amount"},
						"quantity": {"type": "integer", "minimum": 1, "maximum": 10000}
					}
				}
			},
			"total_amount": {"$ref": "#/$defs/amount"},
			"currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
			"merchant": {"type": "string", "maxLength": 256},
			"frequency": {"enum": ` + frequencyEnum + `}
		},
		"$defs": {"amount": ` + amountDef + `}
	}`,
	mandate.KindPayment: `{
		"type": "object",
		"required": ["amount", "purpose"],
		"additionalProperties": false,
		"properties": {
			"amount": {"$ref": "#/$defs/amount"},
			"purpose": {"type": "string", "minLength": 1, "maxLength": 256},
			"urgency": {"enum": ["normal", "high", "emergency"]},
			"recipient": {"type": "string", "maxLength": 256},
			"currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"}
		},
		"$defs": {"amount": ` + amountDef + `}
	}`,
}

// compileSchemas compiles one request schema per mandate kind.
func compileSchemas() (map[mandate.Kind]*jsonschema.Schema, error) {
	out := make(map[mandate.Kind]*jsonschema.Schema, len(requestSchemas))
	for kind, src := range requestSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := schemaBase + string(kind) + "-mandate.schema.json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("%s schema load failed: %w", kind, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("%s schema compile failed: %w", kind, err)
		}
		out[kind] = compiled
	}
	return out, nil
}

// validateBody checks raw against the kind's schema.
func validateBody(schema *jsonschema.Schema, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("malformed JSON: trailing data")
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}

type intentRequest struct {
	IntentType  string           `json:"intent_type"`
	Amount      *decimal.Decimal `json:"amount"`
	Threshold   *decimal.Decimal `json:"threshold"`
	Currency    string           `json:"currency"`
	Frequency   string           `json:"frequency"`
	Category    string           `json:"category"`
	Description string           `json:"description"`
}

func (r intentRequest) payload() (mandate.Payload, error) {
	p := mandate.IntentPayload{
		IntentType:  r.IntentType,
		Frequency:   mandate.Frequency(r.Frequency),
		Category:    r.Category,
		Description: r.Description,
	}
	if r.Amount != nil {
		m, err := finance.ParseMoney(*r.Amount, r.Currency)
		if err != nil {
			return nil, fmt.Errorf("amount: %w", err)
		}
		p.Amount = &m
	}
	if r.Threshold != nil {
		m, err := finance.ParseMoney(*r.Threshold, r.Currency)
		if err != nil {
			return nil, fmt.Errorf("threshold: %w", err)
		}
		p.Threshold = &m
	}
	return p, nil
}

type cartItemRequest struct {
	Name     string          `json:"name"`
	Amount   decimal.Decimal `json:"amount"`
	Quantity int64           `json:"quantity"`
}

type cartRequest struct {
	Items       []cartItemRequest `json:"items"`
	TotalAmount *decimal.Decimal  `json:"total_amount"`
	Currency    string            `json:"currency"`
	Merchant    string            `json:"merchant"`
	Frequency   string            `json:"frequency"`
}

func (r cartRequest) payload() (mandate.Payload, error) {
	p := mandate.CartPayload{
		Items:     make([]mandate.CartItem, len(r.Items)),
		Merchant:  r.Merchant,
		Frequency: mandate.Frequency(r.Frequency),
	}
	for i, it := range r.Items {
		m, err := finance.ParseMoney(it.Amount, r.Currency)
		if err != nil {
			return nil, fmt.Errorf("items[%d].amount: %w", i, err)
		}
		p.Items[i] = mandate.CartItem{Name: it.Name, Amount: m, Quantity: it.Quantity}
	}
	if r.TotalAmount != nil {
		m, err := finance.ParseMoney(*r.TotalAmount, r.Currency)
		if err != nil {
			return nil, fmt.Errorf("total_amount: %w", err)
		}
		p.TotalAmount = m
	}
	return p, nil
}

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Purpose   string          `json:"purpose"`
	Urgency   string          `json:"urgency"`
	Recipient string          `json:"recipient"`
	Currency  string          `json:"currency"`
}

func (r paymentRequest) payload() (mandate.Payload, error) {
	m, err := finance.ParseMoney(r.Amount, r.Currency)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	return mandate.PaymentPayload{
		Amount:    m,
		Purpose:   r.Purpose,
		Urgency:   mandate.Urgency(r.Urgency),
		Recipient: r.Recipient,
	}, nil
}

// decodeRequest turns a schema-valid body into the kind's payload.
func decodeRequest(kind mandate.Kind, raw []byte) (mandate.Payload, error) {
	switch kind {
	case mandate.KindIntent:
		var r intentRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r.payload()
	case mandate.KindCart:
		var r cartRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r.payload()
	case mandate.KindPayment:
		var r paymentRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r.payload()
	}
	return nil, fmt.Errorf("unknown mandate kind %q", kind)
}
