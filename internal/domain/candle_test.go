package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseCandleInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"5", "5", false},
		{" 60 ", "60", false},
		{"d", "D", false},
		{"W", "W", false},
		{"7", "", true},
		{"", "", true},
		{"1h", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCandleInterval(tt.in)
		if tt.wantErr {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("ParseCandleInterval(%q): expected ValidationError, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseCandleInterval(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestCandleIntervalFor(t *testing.T) {
	if code, ok := CandleIntervalFor(5 * time.Minute); !ok || code != "5" {
		t.Errorf("5m -> %q %v, want 5", code, ok)
	}
	if code, ok := CandleIntervalFor(24 * time.Hour); !ok || code != "D" {
		t.Errorf("24h -> %q %v, want D", code, ok)
	}
	if _, ok := CandleIntervalFor(90 * time.Second); ok {
		t.Error("90s has no exchange interval")
	}
	if _, ok := CandleIntervalFor(0); ok {
		t.Error("zero width must not map to the monthly interval")
	}
}
