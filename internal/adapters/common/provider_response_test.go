package common

import "testing"

func TestTruncateRaw(t *testing.T) {
	if got := TruncateRaw("héllo wörld", 5); got != "héllo" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := TruncateRaw("short", 10); got != "short" {
		t.Fatalf("expected untouched value, got %q", got)
	}
	if got := TruncateRaw("anything", 0); got != "" {
		t.Fatalf("expected empty value for zero limit, got %q", got)
	}
}

func TestIntPtr(t *testing.T) {
	if IntPtr(0) != nil {
		t.Fatalf("expected nil for zero code")
	}
	if p := IntPtr(202); p == nil || *p != 202 {
		t.Fatalf("unexpected pointer value")
	}
}
