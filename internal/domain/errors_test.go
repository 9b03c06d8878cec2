package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := fmt.Errorf("get balances: %w", NewNetworkError("dial", baseErr))
		fatal := NewFatalNetworkError("auth", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for wrapped retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestExchangeError(t *testing.T) {
	err := fmt.Errorf("place order: %w", &ExchangeError{Code: 170131, Message: "Insufficient balance."})

	if IsRetriable(err) {
		t.Error("ExchangeError should never be retriable")
	}

	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatal("expected errors.As to find ExchangeError")
	}
	if exErr.Code != 170131 {
		t.Errorf("Code = %d, want 170131", exErr.Code)
	}
	if exErr.Error() != "exchange error: code=170131 msg=Insufficient balance." {
		t.Errorf("unexpected message %q", exErr.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "quantity", Reason: "below minimum 0.001"}

	if err.IsRetriable() {
		t.Error("ValidationError should never be retriable")
	}
	if err.Error() != "validation error [quantity]: below minimum 0.001" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestConfigError(t *testing.T) {
	baseErr := errors.New("missing value")
	err := &ConfigError{Field: "api_key", Err: baseErr}

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}

	expected := "config error [api_key]: missing value"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestSentinelWrapping(t *testing.T) {
	err := fmt.Errorf("%w: order %d", ErrNotFound, 42)
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected wrapped ErrNotFound")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("ErrNotFound must not match ErrUnauthorized")
	}
}
