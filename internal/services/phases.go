package services

import (
	"fmt"
	"strings"
)

// Phase is one stage of the reconciliation state machine.
type Phase string

const (
	PhaseDiscoverLive        Phase = "DISCOVER_LIVE"
	PhaseImportContacts      Phase = "IMPORT_CONTACTS"
	PhaseBackfillDormant     Phase = "BACKFILL_DORMANT"
	PhaseSyncAvatars         Phase = "SYNC_AVATARS"
	PhaseReconcileTimestamps Phase = "RECONCILE_TIMESTAMPS"
	PhaseDone                Phase = "DONE"
)

// Phases lists the runnable phases in chain order.
var Phases = []Phase{
	PhaseDiscoverLive,
	PhaseImportContacts,
	PhaseBackfillDormant,
	PhaseSyncAvatars,
	PhaseReconcileTimestamps,
}

// Next returns the phase that follows p in a full run.
func (p Phase) Next() Phase {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return PhaseDone
}

// IsBatched reports whether the phase walks a work list in offset-addressed chunks.
func (p Phase) IsBatched() bool {
	return p == PhaseDiscoverLive || p == PhaseBackfillDormant
}

// ParsePhase accepts phase names in any case, with dashes or underscores.
func ParsePhase(s string) (Phase, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, p := range Phases {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPhase, s)
}
