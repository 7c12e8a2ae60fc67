package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// Reference fields that must point at an existing entity of the given kind.
var references = map[string]domain.EntityKind{
	"reservationId": domain.KindReservation,
	"customerId":    domain.KindCustomer,
}

// normalizePayload strips envelope keys and NFC-normalizes and trims every
// top-level string so equal names compare equal regardless of input method.
func normalizePayload(p domain.Payload) domain.Payload {
	out := p.Without(domain.FieldID, domain.FieldTenantID)
	if out == nil {
		out = domain.Payload{}
	}
	for k, v := range out {
		if s, ok := v.(string); ok {
			out[k] = strings.TrimSpace(norm.NFC.String(s))
		}
	}
	return out
}

// validatePayload applies the kind-specific rules to a normalized payload.
// Reference existence is checked separately, inside the write transaction.
func validatePayload(kind domain.EntityKind, p domain.Payload) error {
	switch kind {
	case domain.KindReservation:
		if p.String("customerName") == "" {
			return invalid("customerName", "is required")
		}
		size, ok := numberOf(p["size"])
		if !ok || size <= 0 || size != math.Trunc(size) {
			return invalid("size", "must be a positive integer")
		}
		start := p.String("startTime")
		if start == "" {
			return invalid("startTime", "is required")
		}
		if _, err := time.Parse(time.RFC3339, start); err != nil {
			return invalid("startTime", "must be an RFC3339 timestamp")
		}
	case domain.KindOrder:
		items, hasItems := p["items"]
		if hasItems {
			if _, ok := items.([]any); !ok {
				return invalid("items", "must be a list")
			}
		}
		total, hasTotal := p["total"]
		if hasTotal {
			n, ok := numberOf(total)
			if !ok || n < 0 {
				return invalid("total", "must be a non-negative number")
			}
		}
		if !hasItems && !hasTotal {
			return invalid("items", "or total is required")
		}
	case domain.KindCustomer:
		if p.String("name") == "" {
			return invalid("name", "is required")
		}
		if email, ok := p["email"]; ok {
			s, _ := email.(string)
			if s != "" && !strings.Contains(s, "@") {
				return invalid("email", "is not a valid address")
			}
		}
	default:
		return invalid("kind", fmt.Sprintf("unknown kind %q", kind))
	}

	for field := range references {
		v, ok := p[field]
		if !ok || v == nil {
			continue
		}
		id, isStr := v.(string)
		if !isStr || id == "" {
			return invalid(field, "must be an id")
		}
		if domain.IsTempID(id) {
			return invalid(field, "references a record that has not been synced")
		}
	}
	return nil
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
