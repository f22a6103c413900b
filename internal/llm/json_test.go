package llm

import (
	"testing"
)

func TestExtractJSONObjectsSingle(t *testing.T) {
	got := ExtractJSONObjects(`Here you go: {"total": 42, "vendor": "acme"} — enjoy!`)
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
	if string(got[0]) != `{"total": 42, "vendor": "acme"}` {
		t.Fatalf("candidate = %s", got[0])
	}
}

func TestExtractJSONObjectsNested(t *testing.T) {
	got := ExtractJSONObjects(`{"a": {"b": {"c": 1}}, "d": "}"}`)
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1 (nested braces and brace-in-string)", len(got))
	}
}

func TestExtractJSONObjectsMultipleAreAmbiguous(t *testing.T) {
	got := ExtractJSONObjects(`{"a": 1} or maybe {"a": 2}`)
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
}

func TestExtractJSONObjectsInvalidSkipped(t *testing.T) {
	got := ExtractJSONObjects(`{"a": } not json`)
	if len(got) != 0 {
		t.Fatalf("candidates = %v, want none", got)
	}
}

func TestStripCodeFences(t *testing.T) {
	in := "```json\n{\"a\": 1}\n```"
	if got := StripCodeFences(in); got != `{"a": 1}` {
		t.Fatalf("stripped = %q", got)
	}
	if got := StripCodeFences(`{"a": 1}`); got != `{"a": 1}` {
		t.Fatalf("unfenced input changed: %q", got)
	}
}
