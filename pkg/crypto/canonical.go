package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Identity is the signed portion of a mandate: everything that must never
// change after creation.
type Identity struct {
	ID        string
	Kind      string
	OwnerID   string
	Payload   any
	CreatedAt time.Time
	Nonce     string
}

// CanonicalBytes returns the RFC 8785 canonical JSON encoding of the identity.
// Strings are NFC-normalised so visually identical inputs sign identically.
func CanonicalBytes(id Identity) ([]byte, error) {
	payload, err := json.Marshal(id.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonical: payload marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: payload decode failed: %w", err)
	}

	doc := map[string]any{
		"id":         norm.NFC.String(id.ID),
		"kind":       norm.NFC.String(id.Kind),
		"owner_id":   norm.NFC.String(id.OwnerID),
		"payload":    normalize(generic),
		"created_at": id.CreatedAt.UTC().Format(time.RFC3339Nano),
		"nonce":      id.Nonce,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// normalize applies NFC to every string (keys included) of a decoded JSON value.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	default:
		return v
	}
}
