package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	if err := (&RequestContext{SubjectID: "alice"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (&RequestContext{Roles: []string{"approver"}, CorrelationID: "c1"}).Validate(); err == nil {
		t.Error("Validate() without subject should fail")
	}
}

func TestSubject(t *testing.T) {
	ctx := context.Background()
	if got := Subject(ctx); got != "" {
		t.Errorf("Subject() outside a request = %q", got)
	}
	if RequestContextFrom(ctx) != nil {
		t.Fatal("empty context should have no caller")
	}

	rc := &RequestContext{SubjectID: "bob", Roles: []string{"hr"}}
	ctx = WithRequestContext(ctx, rc)
	if got := Subject(ctx); got != "bob" {
		t.Errorf("Subject() = %q, want bob", got)
	}
	if RequestContextFrom(ctx) != rc {
		t.Error("RequestContextFrom() should return the attached caller")
	}
}
