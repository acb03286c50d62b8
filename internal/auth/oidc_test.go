package auth

import "testing"

func TestOwner_LowercasesEmail(t *testing.T) {
	got := Owner(&Claims{Subject: "sub-1", Email: "Alice@Example.com"})
	want := "alice@example.com"
	if got != want {
		t.Errorf("Owner = %q, want %q", got, want)
	}
}
