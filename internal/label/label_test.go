package label

import (
	"testing"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

var allLabels = []Label{Public, PiiRedacted, PiiChatMessage, PiiChatMeta, PiiAttachment, SecretToken, InternalSystem}

func TestJoinCommutative(t *testing.T) {
	for _, a := range allLabels {
		for _, b := range allLabels {
			if Join(a, b) != Join(b, a) {
				t.Errorf("Join(%s,%s)=%s but Join(%s,%s)=%s", a, b, Join(a, b), b, a, Join(b, a))
			}
		}
	}
}

func TestJoinAssociative(t *testing.T) {
	for _, a := range allLabels {
		for _, b := range allLabels {
			for _, c := range allLabels {
				lhs := Join(a, Join(b, c))
				rhs := Join(Join(a, b), c)
				if lhs != rhs {
					t.Errorf("join not associative for (%s,%s,%s): %s vs %s", a, b, c, lhs, rhs)
				}
			}
		}
	}
}

func TestJoinIdempotent(t *testing.T) {
	for _, a := range allLabels {
		if Join(a, a) != a {
			t.Errorf("Join(%s,%s) = %s, want %s", a, a, Join(a, a), a)
		}
	}
}

func TestJoinPublicIsIdentity(t *testing.T) {
	for _, a := range allLabels {
		if Join(a, Public) != a {
			t.Errorf("Join(%s, public) = %s, want %s", a, Join(a, Public), a)
		}
	}
}

func TestJoinSecretTokenIsAbsorbing(t *testing.T) {
	for _, a := range allLabels {
		if a == InternalSystem {
			continue // internal.system passes the other operand through; see TestInternalSystemPassesThrough
		}
		if Join(a, SecretToken) != SecretToken {
			t.Errorf("Join(%s, secret.token) = %s, want secret.token", a, Join(a, SecretToken))
		}
	}
}

func TestInternalSystemPassesThrough(t *testing.T) {
	for _, a := range allLabels {
		if Join(InternalSystem, a) != a {
			t.Errorf("Join(internal.system, %s) = %s, want %s", a, Join(InternalSystem, a), a)
		}
	}
}

func TestJoinDistinctPiiVariantsFallBackToAttachment(t *testing.T) {
	if got := Join(PiiChatMessage, PiiChatMeta); got != PiiAttachment {
		t.Errorf("Join(chat.message, chat.metadata) = %s, want pii.attachment", got)
	}
}

func TestExtractLabelDefaultsWhenNoMeta(t *testing.T) {
	v := value.String("hello")
	if got := ExtractLabel(v); got != PiiChatMessage {
		t.Errorf("ExtractLabel(no meta) = %s, want pii.chat.message", got)
	}
}

func TestAttachThenExtractRoundTrips(t *testing.T) {
	for _, l := range allLabels {
		v := AttachLabel(value.String("x"), l, nil)
		if got := ExtractLabel(v); got != l {
			t.Errorf("round trip for %s: got %s", l, got)
		}
	}
}

func TestAttachLabelWrapsNonMapValue(t *testing.T) {
	v := AttachLabel(value.Int(42), Public, nil)
	if v.Kind != value.KindMap {
		t.Fatalf("expected wrapped map, got %s", v.Kind)
	}
	inner, ok := v.Get(value.KeywordKey("value"))
	if !ok || inner.Int != 42 {
		t.Fatalf("expected wrapped :value 42, got %v (ok=%v)", inner, ok)
	}
}

func TestStripCCOSMetaIsIdempotentAndDeep(t *testing.T) {
	inner := AttachLabel(value.String("secret"), SecretToken, nil)
	outer := value.Vector([]value.Value{inner, value.Int(1)})

	once := StripCCOSMeta(outer)
	twice := StripCCOSMeta(once)
	if !value.Equal(once, twice) {
		t.Fatal("StripCCOSMeta is not idempotent")
	}
	if _, ok := once.Vector[0].Get(value.KeywordKey("__ccos_meta")); ok {
		t.Fatal("nested __ccos_meta not stripped")
	}
}

func TestFieldLabelsJoinOnlyPresentKeys(t *testing.T) {
	meta := map[value.MapKey]value.Value{
		value.KeywordKey("class"): value.Keyword(string(PiiChatMessage)),
		value.KeywordKey("field_labels"): value.Map(map[value.MapKey]value.Value{
			value.StringKey("name"):    value.Keyword(string(SecretToken)),
			value.StringKey("missing"): value.Keyword(string(SecretToken)),
		}),
	}
	v := value.Map(map[value.MapKey]value.Value{
		value.KeywordKey("__ccos_meta"): value.Map(meta),
		value.StringKey("name"):         value.String("alice"),
	})

	// "missing" isn't a key on v, so its field label must not contribute;
	// only "name" (present) should join in, escalating to secret.token.
	if got := ExtractLabel(v); got != SecretToken {
		t.Errorf("ExtractLabel = %s, want secret.token (from present field \"name\" only)", got)
	}
}
