// Package state defines the pair-state model shared by every sync component.
//
// A pair associates one local filesystem entry with one remote document. Its
// local and remote facets each carry a per-side state, and the combination of
// the two is summarized into a single pair state that drives dispatch in the
// queue manager and the processor.
package state

// Side states. Local and remote facets draw from the same set, with a couple
// of values only ever used on one side (resolved is local-only).
const (
	StateUnknown        = "unknown"
	StateCreated        = "created"
	StateModified       = "modified"
	StateMoved          = "moved"
	StateDeleted        = "deleted"
	StateSynchronized   = "synchronized"
	StateResolved       = "resolved"
	StateUnsynchronized = "unsynchronized"
)

// Pair states derived from (local_state, remote_state).
const (
	PairUnknown                      = "unknown"
	PairSynchronized                 = "synchronized"
	PairLocallyCreated               = "locally_created"
	PairRemotelyCreated              = "remotely_created"
	PairLocallyModified              = "locally_modified"
	PairRemotelyModified             = "remotely_modified"
	PairLocallyMoved                 = "locally_moved"
	PairLocallyMovedCreated          = "locally_moved_created"
	PairLocallyMovedRemotelyModified = "locally_moved_remotely_modified"
	PairLocallyDeleted               = "locally_deleted"
	PairRemotelyDeleted              = "remotely_deleted"
	PairDeleted                      = "deleted"
	PairConflicted                   = "conflicted"
	PairLocallyResolved              = "locally_resolved"
	PairUnsynchronized               = "unsynchronized"
	PairUnknownDeleted               = "unknown_deleted"
	PairDeletedUnknown               = "deleted_unknown"
)

type statePair struct {
	local, remote string
}

// pairStates is the transition table: the pair state is a pure function of the
// two side states. Combinations absent from the table map to the empty string,
// which the queue manager drops on push.
var pairStates = map[statePair]string{
	// regular cases
	{StateUnknown, StateUnknown}:           PairUnknown,
	{StateSynchronized, StateSynchronized}: PairSynchronized,
	{StateCreated, StateUnknown}:           PairLocallyCreated,
	{StateUnknown, StateCreated}:           PairRemotelyCreated,
	{StateModified, StateSynchronized}:     PairLocallyModified,
	{StateMoved, StateSynchronized}:        PairLocallyMoved,
	{StateMoved, StateDeleted}:             PairLocallyMovedCreated,
	{StateMoved, StateModified}:            PairLocallyMovedRemotelyModified,
	{StateSynchronized, StateModified}:     PairRemotelyModified,
	{StateModified, StateUnknown}:          PairLocallyModified,
	{StateUnknown, StateModified}:          PairRemotelyModified,
	{StateDeleted, StateSynchronized}:      PairLocallyDeleted,
	{StateSynchronized, StateDeleted}:      PairRemotelyDeleted,
	{StateDeleted, StateDeleted}:           PairDeleted,
	{StateSynchronized, StateUnknown}:      PairSynchronized,

	// conflicts with automatic resolution
	{StateCreated, StateDeleted}:  PairLocallyCreated,
	{StateDeleted, StateCreated}:  PairRemotelyCreated,
	{StateModified, StateDeleted}: PairRemotelyDeleted,
	{StateDeleted, StateModified}: PairRemotelyCreated,

	// conflicts that need manual resolution
	{StateModified, StateCreated}:  PairConflicted,
	{StateModified, StateModified}: PairConflicted,
	{StateCreated, StateCreated}:   PairConflicted,
	{StateCreated, StateModified}:  PairConflicted,
	{StateMoved, StateUnknown}:     PairConflicted,
	{StateMoved, StateMoved}:       PairConflicted,
	{StateMoved, StateCreated}:     PairConflicted,
	{StateResolved, StateModified}: PairConflicted,

	// conflicts that have been manually resolved
	{StateResolved, StateUnknown}:      PairLocallyResolved,
	{StateResolved, StateSynchronized}: PairSynchronized,
	{StateCreated, StateSynchronized}:  PairSynchronized,
	{StateUnknown, StateSynchronized}:  PairSynchronized,

	// inconsistent cases
	{StateUnknown, StateDeleted}: PairUnknownDeleted,
	{StateDeleted, StateUnknown}: PairDeletedUnknown,

	// ignored documents
	{StateUnsynchronized, StateUnknown}:      PairUnsynchronized,
	{StateUnsynchronized, StateCreated}:      PairUnsynchronized,
	{StateUnsynchronized, StateModified}:     PairUnsynchronized,
	{StateUnsynchronized, StateMoved}:        PairUnsynchronized,
	{StateUnsynchronized, StateSynchronized}: PairUnsynchronized,
	{StateUnsynchronized, StateDeleted}:      PairRemotelyDeleted,
}

// PairStateFor returns the pair state derived from the two side states, or the
// empty string when the combination has no defined summary.
func PairStateFor(local, remote string) string {
	return pairStates[statePair{local, remote}]
}

// IsLocalJob reports whether a pair state describes work originating on the
// local side (and therefore routes to a local queue).
func IsLocalJob(pairState string) bool {
	switch pairState {
	case PairLocallyCreated, PairLocallyModified, PairLocallyMoved,
		PairLocallyMovedCreated, PairLocallyMovedRemotelyModified,
		PairLocallyDeleted, PairLocallyResolved, PairDeletedUnknown:
		return true
	}
	return false
}

// IsDeletion reports whether a pair state removes the entry from at least one
// side. Deletions preempt any in-flight work on the same path.
func IsDeletion(pairState string) bool {
	switch pairState {
	case PairLocallyDeleted, PairRemotelyDeleted, PairDeleted,
		PairUnknownDeleted, PairDeletedUnknown:
		return true
	}
	return false
}
