package upstream

import (
	"strings"
	"testing"
)

func TestEstimateTokensPromptPlusMaxTokens(t *testing.T) {
	// 40 chars of prompt -> 10 tokens, plus the requested 50 output tokens.
	body := []byte(`{"prompt":"` + strings.Repeat("a", 40) + `","max_tokens":50}`)
	if got := EstimateTokens(body); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
}

func TestEstimateTokensDefaultsMaxTokens(t *testing.T) {
	body := []byte(`{"prompt":"hi"}`)
	if got := EstimateTokens(body); got != 100 {
		t.Fatalf("expected default output budget 100, got %d", got)
	}
}

func TestEstimateTokensChatMessages(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"` + strings.Repeat("b", 80) + `"}],"max_tokens":10}`)
	if got := EstimateTokens(body); got != 30 {
		t.Fatalf("expected 30, got %d", got)
	}
}

func TestEstimateTokensMinimumOne(t *testing.T) {
	body := []byte(`{"prompt":"","max_tokens":-7}`)
	if got := EstimateTokens(body); got < 1 {
		t.Fatalf("expected at least 1, got %d", got)
	}
}

func TestActualTokensFromUsageTotal(t *testing.T) {
	body := []byte(`{"usage":{"total_tokens":123}}`)
	if got := ActualTokens(body); got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}
}

func TestActualTokensFromPromptPlusCompletion(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":32}}`)
	if got := ActualTokens(body); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestActualTokensFromChoiceText(t *testing.T) {
	body := []byte(`{"choices":[{"text":"` + strings.Repeat("c", 40) + `"}]}`)
	if got := ActualTokens(body); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
}

func TestActualTokensFromChatContent(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"content":"` + strings.Repeat("d", 20) + `"}}]}`)
	if got := ActualTokens(body); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestActualTokensFallsBackToOne(t *testing.T) {
	if got := ActualTokens([]byte(`{}`)); got != 1 {
		t.Fatalf("expected fallback of 1, got %d", got)
	}
}
