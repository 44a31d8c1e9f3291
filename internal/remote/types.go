package remote

import "time"

// FileInfo is the server-side description of one document.
type FileInfo struct {
	UID             string    `json:"uid"`
	ParentUID       string    `json:"parentUid"`
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	Folderish       bool      `json:"folderish"`
	Size            int64     `json:"size"`
	Digest          string    `json:"digest"`
	DigestAlgorithm string    `json:"digestAlgorithm"`
	LastModified    time.Time `json:"lastModified"`
	LastContributor string    `json:"lastContributor"`

	CanRename      bool `json:"canRename"`
	CanDelete      bool `json:"canDelete"`
	CanUpdate      bool `json:"canUpdate"`
	CanCreateChild bool `json:"canCreateChild"`

	LockOwner   string    `json:"lockOwner,omitempty"`
	LockCreated time.Time `json:"lockCreated,omitempty"`
}

// Change event kinds returned by the changes endpoint.
const (
	EventDocumentCreated   = "documentCreated"
	EventDocumentModified  = "documentModified"
	EventDocumentDeleted   = "documentDeleted"
	EventDocumentUndeleted = "documentUndeleted"
	EventDocumentMoved     = "documentMoved"
	EventDocumentRenamed   = "documentRenamed"
	EventSecurityUpdated   = "securityUpdated"
	EventRootRegistered    = "rootRegistered"
	EventRootUnregistered  = "rootUnregistered"
	EventDocumentLocked    = "documentLocked"
	EventDocumentUnlocked  = "documentUnlocked"
)

// ChangeEvent is one entry of the ordered server event log.
type ChangeEvent struct {
	EventID   int64     `json:"eventId"`
	EventType string    `json:"eventType"`
	DocUID    string    `json:"docUid"`
	Time      time.Time `json:"time"`
	// Doc carries the document state after the event when the server can
	// provide it; nil for deletions.
	Doc *FileInfo `json:"doc,omitempty"`
}

// ChangeSummary is the response of the changes endpoint.
type ChangeSummary struct {
	UpperBound int64 `json:"upperBound"`
	// TooManyChanges signals log truncation; the client must fall back to
	// a full scan instead of replaying events.
	TooManyChanges bool          `json:"tooManyChanges"`
	ActiveRoots    []string      `json:"activeRoots"`
	Events         []ChangeEvent `json:"events"`
}
