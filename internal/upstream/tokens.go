package upstream

import "github.com/tidwall/gjson"

// charsPerToken is the length heuristic used when no exact count is known.
const charsPerToken = 4

// defaultMaxTokens is assumed when the request carries no output-size hint.
const defaultMaxTokens = 100

// EstimateTokens guesses the token cost of a request before the downstream
// call: prompt length divided by four plus the requested output budget.
// Exact pre-call counts are unknowable without a tokenizer; the estimate only
// feeds the daily/monthly pre-flight check. Returns at least 1.
func EstimateTokens(body []byte) int64 {
	prompt := gjson.GetBytes(body, "prompt").String()
	if prompt == "" {
		// Chat-shaped requests carry messages instead of a prompt.
		gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
			prompt += msg.Get("content").String()
			return true
		})
	}

	maxTokens := gjson.GetBytes(body, "max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	estimated := int64(len(prompt)/charsPerToken) + maxTokens
	if estimated < 1 {
		return 1
	}
	return estimated
}

// ActualTokens extracts the real token count from a downstream response. The
// usage object wins when present; otherwise the generated text length is used
// as an estimate. Returns at least 1 so every forwarded request is billed.
func ActualTokens(body []byte) int64 {
	usage := gjson.GetBytes(body, "usage")
	if usage.Exists() {
		if total := usage.Get("total_tokens"); total.Exists() {
			return total.Int()
		}
		prompt := usage.Get("prompt_tokens")
		completion := usage.Get("completion_tokens")
		if prompt.Exists() && completion.Exists() {
			return prompt.Int() + completion.Int()
		}
	}

	choice := gjson.GetBytes(body, "choices.0")
	if choice.Exists() {
		if text := choice.Get("text"); text.Exists() {
			return max64(int64(len(text.String())/charsPerToken), 1)
		}
		if content := choice.Get("message.content"); content.Exists() {
			return max64(int64(len(content.String())/charsPerToken), 1)
		}
	}
	return 1
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
