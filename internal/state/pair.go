package state

import (
	"fmt"
	"time"
)

// DocPair is one row of the States table: the association between a local
// filesystem entry and a remote document, plus the bookkeeping the sync loop
// needs (versioning, processor ownership, error tracking).
type DocPair struct {
	ID int64

	// Local facet. Paths are workspace-relative with a leading slash.
	LocalPath        string
	LocalParentPath  string
	LocalName        string
	LocalDigest      string
	LocalState       string
	LastLocalUpdated time.Time
	Size             int64
	Folderish        bool

	// Remote facet.
	RemoteRef          string
	RemoteParentRef    string
	RemoteParentPath   string
	RemoteName         string
	RemoteDigest       string
	RemoteState        string
	LastRemoteUpdated  time.Time
	LastRemoteModifier string

	// Capabilities granted by the server for this document.
	RemoteCanRename      bool
	RemoteCanDelete      bool
	RemoteCanUpdate      bool
	RemoteCanCreateChild bool

	PairState    string
	LastSyncDate time.Time
	// LastTransfer records the direction of the most recent content
	// transfer: "upload", "download" or empty.
	LastTransfer string
	CreationDate time.Time

	// Version increases on every local or remote mutation; synchronize
	// operations are guarded by the version they read.
	Version int64
	// Processor is the id of the worker owning the pair, 0 when free.
	Processor int64

	ErrorCount        int
	LastSyncErrorDate time.Time
	LastError         string
	LastErrorDetails  string
}

func (p *DocPair) String() string {
	return fmt.Sprintf("DocPair[%d](local=%q[%s], remote=%s/%q[%s], state=%s, v%d)",
		p.ID, p.LocalPath, p.LocalState, p.RemoteRef, p.RemoteName,
		p.RemoteState, p.PairState, p.Version)
}

// IsReadonly reports whether the server refuses content updates for this
// document: child creation for folders, content update for files.
func (p *DocPair) IsReadonly() bool {
	if p.Folderish {
		return !p.RemoteCanCreateChild
	}
	return !p.RemoteCanUpdate
}

// UpdateState recomputes the derived pair state from the two side states.
func (p *DocPair) UpdateState(local, remote string) {
	p.LocalState = local
	p.RemoteState = remote
	p.PairState = PairStateFor(local, remote)
}
