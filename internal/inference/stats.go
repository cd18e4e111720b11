package inference

import (
	"fmt"
	"time"
)

// Stats counts the work done by a session.
type Stats struct {
	PromptTokens    int           `json:"prompt_tokens"`
	PromptDuration  time.Duration `json:"prompt_duration"`
	ReusedTokens    int           `json:"reused_tokens"`
	TokensGenerated int           `json:"tokens_generated"`
	Duration        time.Duration `json:"duration"`
	TPS             float64       `json:"tokens_per_second"`
	Requests        int           `json:"requests"`
}

func (s *Stats) addPrompt(n int, d time.Duration) {
	s.PromptTokens += n
	s.PromptDuration += d
}

func (s *Stats) addGenerated(n int, d time.Duration) {
	s.TokensGenerated += n
	s.Duration += d
	if s.Duration > 0 {
		s.TPS = float64(s.TokensGenerated) / s.Duration.Seconds()
	}
}

func (s Stats) String() string {
	promptTPS := 0.0
	if s.PromptDuration > 0 {
		promptTPS = float64(s.PromptTokens) / s.PromptDuration.Seconds()
	}
	return fmt.Sprintf("prompt eval: %d tokens in %s (%.2f tok/s), reused %d; eval: %d tokens in %s (%.2f tok/s)",
		s.PromptTokens, s.PromptDuration.Round(time.Microsecond), promptTPS, s.ReusedTokens,
		s.TokensGenerated, s.Duration.Round(time.Microsecond), s.TPS)
}
