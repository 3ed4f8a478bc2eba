package idgen

import (
	"regexp"
	"strings"
	"testing"
)

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestNew_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !uuidV4.MatchString(id) {
			t.Fatalf("New() = %q, not a v4 UUID", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestRequestID(t *testing.T) {
	keep := []string{"req-123", "lb:4f1c/2", strings.Repeat("a", MaxRequestIDLength)}
	for _, in := range keep {
		if got := RequestID(in); got != in {
			t.Errorf("RequestID(%q) = %q, want it kept", in, got)
		}
	}

	replace := []string{"", "has space", "line\nbreak", "café", strings.Repeat("a", MaxRequestIDLength+1)}
	for _, in := range replace {
		if got := RequestID(in); !uuidV4.MatchString(got) {
			t.Errorf("RequestID(%q) = %q, want a fresh UUID", in, got)
		}
	}
}
