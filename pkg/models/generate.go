package models

import "time"

// GenerateRequest is a single text-generation call against a backend.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// GenerateResult is the reply computed for a request.
type GenerateResult struct {
	Content string        `json:"content"`
	Model   string        `json:"model"`
	Tokens  int           `json:"tokens"`
	Latency time.Duration `json:"latency"`
	Cached  bool          `json:"cached"`
}
