// Package signature provides tests for forensic signature generation.
package signature

import (
	"strings"
	"testing"
	"time"
)

// TestGenerateDeterministic verifies that identical inputs produce identical output.
func TestGenerateDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	a := Generate("creator-1", "fanzdash", ts)
	b := Generate("creator-1", "fanzdash", ts)
	if a != b {
		t.Errorf("Generate() not deterministic: %q != %q", a, b)
	}
}

// TestGenerateDistinctInputs verifies that different creators or timestamps
// produce different signatures.
func TestGenerateDistinctInputs(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	base := Generate("creator-1", "fanzdash", ts)

	if got := Generate("creator-2", "fanzdash", ts); got == base {
		t.Errorf("different creator produced identical signature %q", got)
	}
	if got := Generate("creator-1", "fanzdash", ts.Add(time.Second)); got == base {
		t.Errorf("different timestamp produced identical signature %q", got)
	}
	if got := Generate("creator-1", "fanzvault", ts); got == base {
		t.Errorf("different platform produced identical signature %q", got)
	}
}

// TestGenerateFormat verifies the FANZ- prefix and the 16 uppercase hex characters.
func TestGenerateFormat(t *testing.T) {
	sig := Generate("creator-1", "fanzdash", time.Now())

	if !strings.HasPrefix(sig, Prefix) {
		t.Fatalf("signature %q missing prefix %q", sig, Prefix)
	}
	body := strings.TrimPrefix(sig, Prefix)
	if len(body) != hexDigits {
		t.Errorf("signature body length = %d, want %d", len(body), hexDigits)
	}
	for _, r := range body {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			t.Errorf("signature body %q contains non-uppercase-hex character %q", body, r)
		}
	}
}

// TestGenerateTimezoneIndependent verifies that the same instant expressed in
// different zones yields the same signature.
func TestGenerateTimezoneIndependent(t *testing.T) {
	utc := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	offset := utc.In(time.FixedZone("UTC+5", 5*3600))

	if a, b := Generate("c", "p", utc), Generate("c", "p", offset); a != b {
		t.Errorf("signature depends on time zone: %q != %q", a, b)
	}
}
