package services

import "veilchat/internal/models"

// VersionOutcome is the result of a check-and-bump. A rejection is a normal
// result, not an error; CurrentVersion lets the loser re-base.
type VersionOutcome struct {
	Accepted       bool
	NewVersion     int64
	CurrentVersion int64
}

// VersionArbiter applies the per-component optimistic concurrency rule: a
// write based on the current version wins and bumps it by exactly one,
// anything else is rejected untouched. Callers must serialize invocations
// per (chat, component); the repository does this with per-chat locks.
type VersionArbiter struct{}

// CheckAndBump validates based_on against the chat's current component
// version. On acceptance the chat's counter is advanced in place; on
// rejection the chat is left unmodified.
func (VersionArbiter) CheckAndBump(chat *models.Chat, component string, basedOn int64) VersionOutcome {
	current := chat.Version(component)
	if basedOn != current {
		return VersionOutcome{Accepted: false, CurrentVersion: current}
	}
	next := current + 1
	chat.SetVersion(component, next)
	return VersionOutcome{Accepted: true, NewVersion: next, CurrentVersion: current}
}
