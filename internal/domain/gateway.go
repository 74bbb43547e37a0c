package domain

import (
	"fmt"
	"time"
)

// KeyPrefix namespaces every coordination-store key owned by the gateway.
const KeyPrefix = "aigate:"

// Mode is the request mode a completion is made in. Modes carry different
// per-call token ceilings and budget windows.
type Mode string

const (
	ModeTalk  Mode = "talk"
	ModeScene Mode = "scene"
)

// ParseMode normalizes a mode string, defaulting to talk.
func ParseMode(s string) Mode {
	if Mode(s) == ModeScene {
		return ModeScene
	}
	return ModeTalk
}

// Scope is the dimension a limit applies to: globally, per guild, or per user.
type Scope string

// ScopeGlobal is the single process-spanning concurrency scope.
const ScopeGlobal Scope = "global"

// GuildScope returns the scope for a guild (server).
func GuildScope(id int64) Scope {
	return Scope(fmt.Sprintf("guild:%d", id))
}

// UserScope returns the scope for a single user.
func UserScope(id int64) Scope {
	return Scope(fmt.Sprintf("user:%d", id))
}

// Period is a budget window length.
type Period string

const (
	PeriodDaily  Period = "daily"
	PeriodWeekly Period = "weekly"
)

// WindowKey derives the bucket key for t. A new key implicitly starts
// usage at zero; no reset step exists.
func (p Period) WindowKey(t time.Time) string {
	t = t.UTC()
	if p == PeriodWeekly {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return t.Format("2006-01-02")
}

// CompletionRequest is a single request into the gateway.
type CompletionRequest struct {
	UserID          int64
	GuildID         int64
	Tier            string
	Mode            Mode
	System          string
	Prompt          string
	RequestedTokens int

	// CharacterID and HasMemory drive response-cache eligibility.
	CharacterID string
	HasMemory   bool
}

// CompletionResult is a successful gateway response.
type CompletionResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cached           bool
	// Unmetered is true when the call was admitted in degraded mode
	// (coordination store unreachable) and limits were not enforced.
	Unmetered bool
}

// ProviderResult is what the external AI provider returns on success.
type ProviderResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
