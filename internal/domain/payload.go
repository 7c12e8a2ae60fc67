package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Reserved payload keys. They describe the envelope rather than the entity
// and are stripped by the reconciler before persisting canonical payloads.
const (
	FieldID       = "id"
	FieldTenantID = "tenantId"
)

// TempIDPrefix marks identifiers minted on the device before the remote
// system has assigned a canonical id.
const TempIDPrefix = "tmp_"

var tempSeq atomic.Uint64

// NewTempID returns a device-local identifier derived from the monotonic
// clock plus a process counter, so two ids minted in the same nanosecond
// still differ.
func NewTempID() string {
	n := tempSeq.Add(1)
	return TempIDPrefix + strconv.FormatInt(time.Now().UnixNano(), 36) + "_" + strconv.FormatUint(n, 36)
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Payload is the kind-specific field set of a record.
type Payload map[string]any

// DecodePayload parses raw JSON into a Payload. Empty input yields an empty map.
func DecodePayload(raw []byte) (Payload, error) {
	p := Payload{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p == nil {
		p = Payload{}
	}
	return p, nil
}

// Encode marshals p to JSON. Map keys are emitted in sorted order by
// encoding/json, so equal payloads encode to equal bytes.
func (p Payload) Encode() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return cloneValue(map[string]any(p)).(map[string]any)
}

// Without returns a copy of p minus the given keys.
func (p Payload) Without(keys ...string) Payload {
	out := p.Clone()
	if out == nil {
		out = Payload{}
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// String returns p[key] when it is a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// RewriteRefs replaces every string value equal to oldID, at any depth, with
// newID. It reports whether anything changed.
func (p Payload) RewriteRefs(oldID, newID string) bool {
	if oldID == "" || oldID == newID {
		return false
	}
	changed := false
	for k, v := range p {
		nv, ok := rewriteValue(v, oldID, newID)
		if ok {
			p[k] = nv
			changed = true
		}
	}
	return changed
}

// References reports whether id appears as a string value anywhere in p.
func (p Payload) References(id string) bool {
	return id != "" && containsValue(map[string]any(p), id)
}

func containsValue(v any, id string) bool {
	switch t := v.(type) {
	case string:
		return t == id
	case map[string]any:
		for _, inner := range t {
			if containsValue(inner, id) {
				return true
			}
		}
	case Payload:
		return containsValue(map[string]any(t), id)
	case []any:
		for _, inner := range t {
			if containsValue(inner, id) {
				return true
			}
		}
	}
	return false
}

func rewriteValue(v any, oldID, newID string) (any, bool) {
	switch t := v.(type) {
	case string:
		if t == oldID {
			return newID, true
		}
	case map[string]any:
		changed := false
		for k, inner := range t {
			if nv, ok := rewriteValue(inner, oldID, newID); ok {
				t[k] = nv
				changed = true
			}
		}
		return t, changed
	case Payload:
		return t, t.RewriteRefs(oldID, newID)
	case []any:
		changed := false
		for i, inner := range t {
			if nv, ok := rewriteValue(inner, oldID, newID); ok {
				t[i] = nv
				changed = true
			}
		}
		return t, changed
	}
	return v, false
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case Payload:
		return Payload(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether p and o encode to the same JSON.
func (p Payload) Equal(o Payload) bool {
	a, errA := p.Encode()
	b, errB := o.Encode()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
