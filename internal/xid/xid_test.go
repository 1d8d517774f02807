package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a := New("req")
	b := New("req")
	if !strings.HasPrefix(a, "req-") {
		t.Fatalf("expected req- prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if !Valid(a) {
		t.Fatalf("expected generated id to be valid: %q", a)
	}
}

func TestValidRejectsHeaderInjection(t *testing.T) {
	for _, id := range []string{"", "abc\r\nSet-Cookie: x", "id with space", strings.Repeat("a", 81)} {
		if Valid(id) {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}
