package service

import (
	"strings"
	"testing"
)

func TestGenerateEntryCode(t *testing.T) {
	t.Run("prefix from title", func(t *testing.T) {
		code := GenerateEntryCode("DSA Midterm 2026")
		if !strings.HasPrefix(code, "DSA-") {
			t.Fatalf("code %q lacks title prefix", code)
		}
		if len(code) != len("DSA-")+5 {
			t.Fatalf("code %q has unexpected length", code)
		}
	})

	t.Run("empty title falls back", func(t *testing.T) {
		code := GenerateEntryCode("")
		if !strings.HasPrefix(code, "EXAM-") {
			t.Fatalf("code %q lacks fallback prefix", code)
		}
	})

	t.Run("title with symbols is sanitized", func(t *testing.T) {
		code := GenerateEntryCode("C++ (Advanced)")
		if !strings.HasPrefix(code, "C-") {
			t.Fatalf("code %q kept symbols from the title", code)
		}
	})

	t.Run("codes are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			code := GenerateEntryCode("Quiz")
			if seen[code] {
				t.Fatalf("duplicate code %q", code)
			}
			seen[code] = true
		}
	})
}
