package corrid

import "testing"

func TestNewIsUniqueAndNonEmpty(t *testing.T) {
	a := New()
	b := New()
	if a == "" || b == "" {
		t.Fatalf("New() returned empty string")
	}
	if a == b {
		t.Fatalf("New() returned the same id twice: %q", a)
	}
}
