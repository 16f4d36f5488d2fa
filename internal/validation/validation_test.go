package validation

import (
	"testing"

	"github.com/clearhold/clearhold/internal/network"
)

func TestIsValidAddress(t *testing.T) {
	if !IsValidAddress("0x1234567890123456789012345678901234567890", network.Ethereum) {
		t.Error("valid EVM address rejected")
	}
	if IsValidAddress("0x123", network.Ethereum) {
		t.Error("short EVM address accepted")
	}
	if IsValidAddress("not-hex-at-all-zzzz", network.Base) {
		t.Error("non-hex EVM address accepted")
	}
	// Non-EVM networks carry opaque account ids
	if !IsValidAddress("GDRXE2BQUC3AZNPVFSCEZ76NJ3WWL25FYFK6RGZGIEKWE4SOOHSUJUJ6", network.Stellar) {
		t.Error("stellar account id rejected")
	}
	if IsValidAddress("", network.Stellar) {
		t.Error("empty non-EVM address accepted")
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("buyer_id", ""),
		ValidNetwork("buyer_network", "dogechain"),
		PositiveAmount("amount", 0),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}

	errs = Validate(
		Required("buyer_id", "usr_1"),
		ValidNetwork("buyer_network", "ethereum"),
		ValidAddress("buyer_address", "0x1234567890123456789012345678901234567890", network.Ethereum),
		PositiveAmount("amount", 1000),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("unexpected sanitized string: %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("expected truncation, got %q", got)
	}
}
