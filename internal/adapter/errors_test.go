package adapter

import (
	"errors"
	"fmt"
	"testing"
)

func TestFaultWrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	fault := NewFault("sumo", "step", cause)

	if !errors.Is(fault, cause) {
		t.Fatal("fault must unwrap to its cause")
	}
	if !IsFault(fault) {
		t.Fatal("IsFault must detect a direct fault")
	}
	if !IsFault(fmt.Errorf("tick 12: %w", fault)) {
		t.Fatal("IsFault must detect a wrapped fault")
	}
	if IsFault(cause) {
		t.Fatal("a plain error is not a fault")
	}
	if IsFault(ErrEntityNotFound) {
		t.Fatal("entity-not-found is recoverable, not a fault")
	}
}

func TestSetPhaseValidate(t *testing.T) {
	if err := (SetPhase{Index: 1}).Validate(2); err != nil {
		t.Fatalf("valid phase rejected: %v", err)
	}
	if err := (SetPhase{Index: 2}).Validate(2); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if err := (SetPhase{Index: -1}).Validate(2); err == nil {
		t.Fatal("expected negative index error")
	}
}
