package state

import "testing"

func TestPairStateFor_RegularCases(t *testing.T) {
	tests := []struct {
		local, remote string
		want          string
	}{
		{StateUnknown, StateUnknown, PairUnknown},
		{StateSynchronized, StateSynchronized, PairSynchronized},
		{StateCreated, StateUnknown, PairLocallyCreated},
		{StateUnknown, StateCreated, PairRemotelyCreated},
		{StateModified, StateSynchronized, PairLocallyModified},
		{StateModified, StateUnknown, PairLocallyModified},
		{StateMoved, StateSynchronized, PairLocallyMoved},
		{StateMoved, StateDeleted, PairLocallyMovedCreated},
		{StateMoved, StateModified, PairLocallyMovedRemotelyModified},
		{StateSynchronized, StateModified, PairRemotelyModified},
		{StateUnknown, StateModified, PairRemotelyModified},
		{StateDeleted, StateSynchronized, PairLocallyDeleted},
		{StateSynchronized, StateDeleted, PairRemotelyDeleted},
		{StateDeleted, StateDeleted, PairDeleted},
		{StateSynchronized, StateUnknown, PairSynchronized},
	}
	for _, tt := range tests {
		if got := PairStateFor(tt.local, tt.remote); got != tt.want {
			t.Errorf("PairStateFor(%s, %s) = %q, want %q", tt.local, tt.remote, got, tt.want)
		}
	}
}

func TestPairStateFor_AutoResolution(t *testing.T) {
	tests := []struct {
		local, remote string
		want          string
	}{
		{StateCreated, StateDeleted, PairLocallyCreated},
		{StateDeleted, StateCreated, PairRemotelyCreated},
		{StateModified, StateDeleted, PairRemotelyDeleted},
		{StateDeleted, StateModified, PairRemotelyCreated},
	}
	for _, tt := range tests {
		if got := PairStateFor(tt.local, tt.remote); got != tt.want {
			t.Errorf("PairStateFor(%s, %s) = %q, want %q", tt.local, tt.remote, got, tt.want)
		}
	}
}

func TestPairStateFor_Conflicts(t *testing.T) {
	conflicted := []struct{ local, remote string }{
		{StateModified, StateCreated},
		{StateModified, StateModified},
		{StateCreated, StateCreated},
		{StateCreated, StateModified},
		{StateMoved, StateUnknown},
		{StateMoved, StateMoved},
		{StateMoved, StateCreated},
		{StateResolved, StateModified},
	}
	for _, tt := range conflicted {
		if got := PairStateFor(tt.local, tt.remote); got != PairConflicted {
			t.Errorf("PairStateFor(%s, %s) = %q, want conflicted", tt.local, tt.remote, got)
		}
	}

	if got := PairStateFor(StateResolved, StateUnknown); got != PairLocallyResolved {
		t.Errorf("PairStateFor(resolved, unknown) = %q, want locally_resolved", got)
	}
	if got := PairStateFor(StateResolved, StateSynchronized); got != PairSynchronized {
		t.Errorf("PairStateFor(resolved, synchronized) = %q, want synchronized", got)
	}
}

func TestPairStateFor_InconsistentAndIgnored(t *testing.T) {
	if got := PairStateFor(StateUnknown, StateDeleted); got != PairUnknownDeleted {
		t.Errorf("PairStateFor(unknown, deleted) = %q, want unknown_deleted", got)
	}
	if got := PairStateFor(StateDeleted, StateUnknown); got != PairDeletedUnknown {
		t.Errorf("PairStateFor(deleted, unknown) = %q, want deleted_unknown", got)
	}
	for _, remote := range []string{StateUnknown, StateCreated, StateModified, StateMoved, StateSynchronized} {
		if got := PairStateFor(StateUnsynchronized, remote); got != PairUnsynchronized {
			t.Errorf("PairStateFor(unsynchronized, %s) = %q, want unsynchronized", remote, got)
		}
	}
	if got := PairStateFor(StateUnsynchronized, StateDeleted); got != PairRemotelyDeleted {
		t.Errorf("PairStateFor(unsynchronized, deleted) = %q, want remotely_deleted", got)
	}
}

func TestPairStateFor_UndefinedCombination(t *testing.T) {
	if got := PairStateFor(StateResolved, StateCreated); got != "" {
		t.Errorf("PairStateFor(resolved, created) = %q, want empty", got)
	}
}

func TestIsLocalJob(t *testing.T) {
	local := []string{
		PairLocallyCreated, PairLocallyModified, PairLocallyMoved,
		PairLocallyMovedCreated, PairLocallyMovedRemotelyModified,
		PairLocallyDeleted, PairLocallyResolved, PairDeletedUnknown,
	}
	for _, ps := range local {
		if !IsLocalJob(ps) {
			t.Errorf("IsLocalJob(%s) = false, want true", ps)
		}
	}
	remote := []string{PairRemotelyCreated, PairRemotelyModified, PairRemotelyDeleted, PairSynchronized}
	for _, ps := range remote {
		if IsLocalJob(ps) {
			t.Errorf("IsLocalJob(%s) = true, want false", ps)
		}
	}
}

func TestDocPair_IsReadonly(t *testing.T) {
	file := &DocPair{Folderish: false, RemoteCanUpdate: false, RemoteCanCreateChild: true}
	if !file.IsReadonly() {
		t.Error("file without can_update should be readonly")
	}
	folder := &DocPair{Folderish: true, RemoteCanUpdate: true, RemoteCanCreateChild: false}
	if !folder.IsReadonly() {
		t.Error("folder without can_create_child should be readonly")
	}
}

func TestDocPair_UpdateState(t *testing.T) {
	p := &DocPair{}
	p.UpdateState(StateCreated, StateUnknown)
	if p.PairState != PairLocallyCreated {
		t.Errorf("pair state = %q, want locally_created", p.PairState)
	}
	p.UpdateState(StateModified, StateModified)
	if p.PairState != PairConflicted {
		t.Errorf("pair state = %q, want conflicted", p.PairState)
	}
}
