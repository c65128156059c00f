package logging

import (
	"strings"
	"testing"
)

func FuzzParseLevel(f *testing.F) {
	for _, seed := range []string{"info", "warn", "WARNING", " error ", "debug", "", "trace"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, raw string) {
		level, ok := ParseLevel(raw)
		if !ok {
			if level != "" {
				t.Fatalf("rejected %q but returned %q", raw, level)
			}
			return
		}
		if normalizeLevel(level) != level {
			t.Fatalf("ParseLevel(%q) returned non-canonical level %q", raw, level)
		}
		again, _ := ParseLevel(strings.ToUpper(string(level)))
		if again != level {
			t.Fatalf("level %q does not parse back to itself", level)
		}
	})
}
