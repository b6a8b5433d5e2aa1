// Package label implements the ChatDataLabel lattice: parse/join/extract/
// attach/strip over CCOS values, and the reserved __ccos_meta map key that
// carries classification metadata on the wire.
//
// The join table here is grounded on the original chat/mod.rs implementation,
// not a generic lattice max: secret.token absorbs unconditionally,
// internal.system passes the other operand through untainted, and unmatched
// PII-variant pairs conservatively join to PiiAttachment.
package label

import "github.com/agentoven/ccos/control-plane/internal/value"

// Label is one element of the chat-mode classification lattice.
type Label string

const (
	Public         Label = "public"
	PiiRedacted    Label = "pii.redacted"
	PiiChatMessage Label = "pii.chat.message"
	PiiChatMeta    Label = "pii.chat.metadata"
	PiiAttachment  Label = "pii.attachment"
	SecretToken    Label = "secret.token"
	InternalSystem Label = "internal.system"
)

var validLabels = map[Label]bool{
	Public: true, PiiRedacted: true, PiiChatMessage: true, PiiChatMeta: true,
	PiiAttachment: true, SecretToken: true, InternalSystem: true,
}

// AsStr returns the canonical string form of a label.
func AsStr(l Label) string { return string(l) }

// Parse recovers a Label from its canonical string form.
func Parse(s string) (Label, bool) {
	l := Label(s)
	if validLabels[l] {
		return l, true
	}
	return "", false
}

func isPiiVariant(l Label) bool {
	switch l {
	case PiiChatMessage, PiiChatMeta, PiiAttachment:
		return true
	default:
		return false
	}
}

// Join computes the least upper bound of a and b under the lattice's
// absorbing/pass-through rules. Join is commutative, associative, and
// idempotent (enforced by label_test.go's property checks).
func Join(a, b Label) Label {
	if a == b {
		return a
	}

	// internal.system passes the other operand through without tainting it
	// — checked before the secret.token absorption so join(secret.token,
	// internal.system) correctly resolves to "the other operand"
	// (secret.token itself), not a special top-wins rule.
	if a == InternalSystem {
		return b
	}
	if b == InternalSystem {
		return a
	}

	// secret.token absorbs in either remaining position.
	if a == SecretToken || b == SecretToken {
		return SecretToken
	}

	// public is the bottom element: identity for join.
	if a == Public {
		return b
	}
	if b == Public {
		return a
	}

	// pii.redacted acts as an identity against more specific PII variants.
	if a == PiiRedacted {
		return b
	}
	if b == PiiRedacted {
		return a
	}

	// Two distinct PII variants: conservative fallback.
	if isPiiVariant(a) && isPiiVariant(b) {
		return PiiAttachment
	}

	// Unreachable for the closed label set above, but fail conservatively
	// rather than panic if the set ever grows.
	return PiiAttachment
}

// JoinAll folds Join across a slice of labels, starting from Public (the
// bottom element). ExtractLabel's field-label fold does not use it: that
// fold starts from the map's own class label instead.
func JoinAll(labels []Label) Label {
	acc := Public
	for _, l := range labels {
		acc = Join(acc, l)
	}
	return acc
}

// ── reserved metadata key ────────────────────────────────────────────────

const metaKeyName = "__ccos_meta"

var (
	metaKeyKeyword = value.KeywordKey(metaKeyName)
	metaKeyString  = value.StringKey(metaKeyName)

	classKeyword       = value.KeywordKey("class")
	fieldLabelsKeyword = value.KeywordKey("field_labels")
	valueKeyword       = value.KeywordKey("value")
)

// getMetaMap returns the __ccos_meta map on v, checking both string- and
// keyword-form keys (CCOS always writes the keyword form but reads either,
// for compatibility with externally-produced payloads).
func getMetaMap(v value.Value) (value.Value, bool) {
	if v.Kind != value.KindMap {
		return value.Nil, false
	}
	if m, ok := v.Get(metaKeyKeyword); ok {
		return m, true
	}
	if m, ok := v.Get(metaKeyString); ok {
		return m, true
	}
	return value.Nil, false
}

// ExtractLabel computes the effective label of v. A map with no meta
// defaults to pii.chat.message. When field_labels is present, the labels of
// present keys only are folded through Join starting from the map's own
// :class value.
func ExtractLabel(v value.Value) Label {
	meta, ok := getMetaMap(v)
	if !ok {
		return PiiChatMessage
	}

	classVal, _ := meta.Get(classKeyword)
	class, ok := Parse(classVal.Str)
	if !ok {
		class = PiiChatMessage
	}

	fieldLabelsVal, ok := meta.Get(fieldLabelsKeyword)
	if !ok || fieldLabelsVal.Kind != value.KindMap {
		return class
	}

	acc := class
	for k, labelVal := range fieldLabelsVal.Map {
		// Only present fields on the carrying value contribute; a
		// field_labels entry for a key the value itself doesn't have is
		// ignored (it describes a field that was stripped or never set).
		if _, present := v.Get(k); !present {
			continue
		}
		l, ok := Parse(labelVal.Str)
		if !ok {
			continue
		}
		acc = Join(acc, l)
	}
	return acc
}

// AttachLabel wraps v with __ccos_meta describing class and an optional
// per-field label map. Non-map values are wrapped as {:value v, __ccos_meta
// {...}}; map values get the meta key merged in directly.
func AttachLabel(v value.Value, class Label, fieldLabels map[string]Label) value.Value {
	meta := map[value.MapKey]value.Value{
		classKeyword: value.Keyword(string(class)),
	}
	if len(fieldLabels) > 0 {
		fl := make(map[value.MapKey]value.Value, len(fieldLabels))
		for k, l := range fieldLabels {
			fl[value.StringKey(k)] = value.Keyword(string(l))
		}
		meta[fieldLabelsKeyword] = value.Map(fl)
	}
	metaVal := value.Map(meta)

	if v.Kind == value.KindMap {
		return v.WithEntry(metaKeyKeyword, metaVal)
	}
	return value.Map(map[value.MapKey]value.Value{
		valueKeyword:   v,
		metaKeyKeyword: metaVal,
	})
}

// StripCCOSMeta removes __ccos_meta recursively through Vector/List/Map.
// Idempotent: stripping an already-stripped value is a no-op.
func StripCCOSMeta(v value.Value) value.Value {
	switch v.Kind {
	case value.KindVector:
		out := make([]value.Value, len(v.Vector))
		for i, item := range v.Vector {
			out[i] = StripCCOSMeta(item)
		}
		return value.Vector(out)
	case value.KindList:
		out := make([]value.Value, len(v.List))
		for i, item := range v.List {
			out[i] = StripCCOSMeta(item)
		}
		return value.List(out)
	case value.KindMap:
		out := make(map[value.MapKey]value.Value, len(v.Map))
		for k, val := range v.Map {
			if k == metaKeyKeyword || k == metaKeyString {
				continue
			}
			out[k] = StripCCOSMeta(val)
		}
		return value.Map(out)
	default:
		return v
	}
}
