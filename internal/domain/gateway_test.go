package domain

import (
	"testing"
	"time"
)

func TestWindowKey(t *testing.T) {
	// Thursday, 2024-01-04 is ISO week 1 of 2024.
	ts := time.Date(2024, 1, 4, 15, 30, 0, 0, time.UTC)

	if got := PeriodDaily.WindowKey(ts); got != "2024-01-04" {
		t.Errorf("daily key = %q", got)
	}
	if got := PeriodWeekly.WindowKey(ts); got != "2024-W01" {
		t.Errorf("weekly key = %q", got)
	}

	// Dec 31 2024 falls into ISO week 1 of 2025.
	eoy := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	if got := PeriodWeekly.WindowKey(eoy); got != "2025-W01" {
		t.Errorf("year-boundary weekly key = %q", got)
	}
}

func TestScopes(t *testing.T) {
	if GuildScope(42) != Scope("guild:42") {
		t.Errorf("guild scope = %q", GuildScope(42))
	}
	if UserScope(7) != Scope("user:7") {
		t.Errorf("user scope = %q", UserScope(7))
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("scene") != ModeScene {
		t.Error("scene not parsed")
	}
	if ParseMode("talk") != ModeTalk || ParseMode("") != ModeTalk || ParseMode("bogus") != ModeTalk {
		t.Error("talk fallback broken")
	}
}
