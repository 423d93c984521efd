// Package uuid provides unit tests for idempotency key handling.
package uuid

import "testing"

// TestNewKey verifies generated keys are valid and unique.
func TestNewKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		k := NewKey()
		if !IsValidKey(k) {
			t.Fatalf("NewKey() = %q is not a valid key", k)
		}
		if seen[k] {
			t.Fatalf("Duplicate key generated: %s", k)
		}
		seen[k] = true
	}
}

// TestIsValidKey tests canonical v4 detection.
func TestIsValidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"lowercase v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase v4", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"v1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"missing dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"empty", "", false},
		{"garbage", "not-a-key", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidKey(tt.key); got != tt.want {
				t.Errorf("IsValidKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

// TestParseKey tests error reporting.
func TestParseKey(t *testing.T) {
	if _, err := ParseKey("f47ac10b-58cc-4372-a567-0e02b2c3d479"); err != nil {
		t.Errorf("ParseKey(v4) error = %v", err)
	}
	if _, err := ParseKey("f47ac10b-58cc-1372-a567-0e02b2c3d479"); err == nil {
		t.Error("ParseKey(v1) should fail")
	}
	if _, err := ParseKey("nope"); err == nil {
		t.Error("ParseKey(garbage) should fail")
	}
}
