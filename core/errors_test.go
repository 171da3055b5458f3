package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCompileError_Message(t *testing.T) {
	err := &CompileError{Script: "order.flow", Line: 7, Token: "END", Msg: "unexpected END"}
	if got := err.Error(); got != `order.flow:7: unexpected END (near "END")` {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestDispatchError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("step 3: %w", &DispatchError{Kind: "bot", Name: "billing", Err: inner})
	var de *DispatchError
	if !errors.As(err, &de) || de.Name != "billing" {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !errors.Is(err, inner) {
		t.Fatal("inner error should be reachable")
	}
	if !strings.Contains((&DispatchError{Kind: "bot", Name: "x"}).Error(), "not registered") {
		t.Fatal("bare dispatch error should say not registered")
	}
}

func TestModelRoutingError_Attempts(t *testing.T) {
	a, b := errors.New("cheap down"), errors.New("mid down")
	err := &ModelRoutingError{Objective: ObjectiveCost, Attempts: []error{a, b}}
	if !errors.Is(err, a) || !errors.Is(err, b) {
		t.Fatal("attempt errors should be reachable")
	}
	if !strings.Contains((&ModelRoutingError{Objective: ObjectiveQuality}).Error(), "no model available") {
		t.Fatal("empty attempts message")
	}
}

func TestIsTimeout(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &TimeoutError{Key: WaitKey{ExecutionID: "e", Name: "n"}, Kind: WaitEvent})
	if !IsTimeout(err) {
		t.Fatal("expected timeout")
	}
	if IsTimeout(errors.New("other")) {
		t.Fatal("plain error is not a timeout")
	}
}
