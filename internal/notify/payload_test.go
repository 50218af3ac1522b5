package notify

import "testing"

func TestExtractThreadIDVariants(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{"camel", map[string]any{"threadId": "t-1"}, "t-1"},
		{"snake", map[string]any{"thread_id": "t-2"}, "t-2"},
		{"conversation", map[string]any{"conversationId": "t-3"}, "t-3"},
		{"nested thread", map[string]any{"thread": map[string]any{"id": "t-4"}}, "t-4"},
		{"nested msg", map[string]any{"msg": map[string]any{"threadId": "t-5"}}, "t-5"},
		{"absent", map[string]any{"other": 1}, ""},
		{"nil", nil, ""},
		{"wrong type", map[string]any{"threadId": 42}, ""},
	}
	for _, tc := range cases {
		if got := ExtractThreadID(tc.payload); got != tc.want {
			t.Errorf("%s: ExtractThreadID = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestExtractTurnIDNested(t *testing.T) {
	payload := map[string]any{
		"turn": map[string]any{"id": "turn-9", "status": "failed"},
	}
	if got := ExtractTurnID(payload); got != "turn-9" {
		t.Fatalf("ExtractTurnID = %q", got)
	}
	if got := ExtractTurnStatus(payload); got != "failed" {
		t.Fatalf("ExtractTurnStatus = %q", got)
	}
}

func TestExtractDeltaPriority(t *testing.T) {
	payload := map[string]any{
		"delta": "from delta",
		"text":  "from text",
	}
	if got := ExtractDelta(payload); got != "from delta" {
		t.Fatalf("ExtractDelta = %q", got)
	}

	nested := map[string]any{
		"item": map[string]any{"delta": "nested delta"},
	}
	if got := ExtractDelta(nested); got != "nested delta" {
		t.Fatalf("ExtractDelta nested = %q", got)
	}
}

func TestExtractErrorMessageFallbacks(t *testing.T) {
	if got := ExtractErrorMessage(map[string]any{"message": "boom"}); got != "boom" {
		t.Fatalf("ExtractErrorMessage = %q", got)
	}
	nested := map[string]any{"turn": map[string]any{"error": "turn blew up"}}
	if got := ExtractErrorMessage(nested); got != "turn blew up" {
		t.Fatalf("ExtractErrorMessage nested = %q", got)
	}
	if got := ExtractErrorMessage(nil); got != "" {
		t.Fatalf("ExtractErrorMessage(nil) = %q", got)
	}
}

func TestExtractInt(t *testing.T) {
	if v, ok := ExtractInt(float64(3)); !ok || v != 3 {
		t.Fatalf("ExtractInt(float64) = %d, %v", v, ok)
	}
	if _, ok := ExtractInt("nope"); ok {
		t.Fatal("ExtractInt(string) should fail")
	}
}

func TestExtractStringList(t *testing.T) {
	got := ExtractStringList([]any{"a", " b ", 3, ""})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("ExtractStringList = %v", got)
	}
	if ExtractStringList(42) != nil {
		t.Fatal("ExtractStringList scalar should return nil")
	}
}
