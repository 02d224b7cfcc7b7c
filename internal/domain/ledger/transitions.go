// Package ledger holds the job ledger state machine and the identifiers and
// notification plumbing shared by its store and services.
package ledger

import (
	"slices"
	"time"

	"github.com/target/mmk-ledger/internal/domain/model"
	apperrors "github.com/target/mmk-ledger/internal/errors"
)

// transitions lists the forward edges of the state machine. Reclaim edges
// back to pending are handled separately by Reclaimable.
var transitions = map[model.LedgerStatus][]model.LedgerStatus{
	model.LedgerStatusPending:    {model.LedgerStatusInProgress, model.LedgerStatusSuccessful, model.LedgerStatusFailed},
	model.LedgerStatusInProgress: {model.LedgerStatusInProgress, model.LedgerStatusSuccessful, model.LedgerStatusFailed},
	model.LedgerStatusSuccessful: {model.LedgerStatusNotified},
}

// reclaimSources are the statuses the watchdog may reset to pending.
var reclaimSources = []model.LedgerStatus{
	model.LedgerStatusPending,
	model.LedgerStatusInProgress,
	model.LedgerStatusFailed,
}

// CanTransition reports whether from -> to is a forward edge.
func CanTransition(from, to model.LedgerStatus) bool {
	return slices.Contains(transitions[from], to)
}

// SourcesFor returns every status with a forward edge into target, in
// lifecycle order. Stores use it to guard conditional updates.
func SourcesFor(target model.LedgerStatus) []model.LedgerStatus {
	var out []model.LedgerStatus
	for _, s := range model.AllLedgerStatuses {
		if CanTransition(s, target) {
			out = append(out, s)
		}
	}
	return out
}

// ReclaimSources returns the statuses eligible for watchdog reclaim.
func ReclaimSources() []model.LedgerStatus {
	return slices.Clone(reclaimSources)
}

// CheckTransition returns an InvalidTransition error when from -> to is not allowed.
func CheckTransition(id string, from, to model.LedgerStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return apperrors.InvalidTransitionf("record %s cannot move from %s to %s", id, from, to)
}

// Reclaimable reports whether the watchdog must reset rec to pending.
// The record must be in a reclaim source status, stale, and below the attempt ceiling.
func Reclaimable(rec model.JobRecord, staleBefore time.Time, maxAttempts int) bool {
	if !slices.Contains(reclaimSources, rec.Status) {
		return false
	}
	if !rec.UpdatedAt.Before(staleBefore) {
		return false
	}
	return rec.Attempts < maxAttempts
}

// Exhausted reports whether a stale record hit the attempt ceiling and must be
// forced to failed instead of republished.
func Exhausted(rec model.JobRecord, staleBefore time.Time, maxAttempts int) bool {
	if !slices.Contains(reclaimSources, rec.Status) {
		return false
	}
	return rec.UpdatedAt.Before(staleBefore) && rec.Attempts >= maxAttempts
}
