package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := fmt.Errorf("settle: %w", PaymentFailed("card declined", 402, context.DeadlineExceeded))

	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed in chain")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause in chain")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("unexpected ErrValidation")
	}
	e, ok := As(err)
	if !ok || e.Code != 402 || e.Message != "card declined" {
		t.Fatalf("As() = %#v, %v", e, ok)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message", Validation("invoice set empty", nil), "validation_failed: invoice set empty"},
		{"cause only", Gateway(errors.New("timeout")), "gateway_error: timeout"},
		{"kind only", &Error{Kind: ErrPersistence}, "persistence_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
