package marketplace

import "testing"

func TestRegisterRejectsPendingWithoutRegistrar(t *testing.T) {
	r := NewRegistry()
	err := r.Register(CapabilityManifest{ID: "x", ApprovalStatus: ApprovalPending})
	if err == nil {
		t.Fatal("expected RegistrationDeniedError for Pending manifest without registrar")
	}
	if _, ok := err.(*RegistrationDeniedError); !ok {
		t.Errorf("expected *RegistrationDeniedError, got %T", err)
	}
}

func TestRegisterAllowsPendingWithRegistrar(t *testing.T) {
	r := NewRegistry()
	r.Registrar = true
	if err := r.Register(CapabilityManifest{ID: "x", ApprovalStatus: ApprovalPending}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, err := r.Get("x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Dispatchable() {
		t.Error("a Pending manifest must not be dispatchable even if registration succeeded")
	}
}

func TestLastWriteWinsOnDuplicateID(t *testing.T) {
	r := NewRegistry()
	r.Register(CapabilityManifest{ID: "x", Name: "first", ApprovalStatus: ApprovalApproved})
	r.Register(CapabilityManifest{ID: "x", Name: "second", ApprovalStatus: ApprovalApproved})

	m, err := r.Get("x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Name != "second" {
		t.Errorf("Name = %q, want %q (last write wins)", m.Name, "second")
	}
}

func TestGetUnknownReturnsCapabilityNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	if _, ok := err.(*CapabilityNotFoundError); !ok {
		t.Errorf("expected *CapabilityNotFoundError, got %T (%v)", err, err)
	}
}

func TestListWithQueryStableOrderingByID(t *testing.T) {
	r := NewRegistry()
	r.Register(CapabilityManifest{ID: "b", ApprovalStatus: ApprovalApproved, Domains: []string{"travel"}})
	r.Register(CapabilityManifest{ID: "a", ApprovalStatus: ApprovalApproved, Domains: []string{"travel"}})
	r.Register(CapabilityManifest{ID: "c", ApprovalStatus: ApprovalApproved, Domains: []string{"finance"}})

	out := r.ListWithQuery(Query{Domain: "travel"})
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "b" {
		t.Fatalf("expected [a, b] ordered by id, got %+v", out)
	}
}
