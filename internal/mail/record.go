// Package mail defines the canonical email record shared by the store,
// the remote client, and the sync engine.
package mail

import "time"

// Folder is a named bucket an email belongs to. Physical folders are
// mutually exclusive; Starred and Archived are virtual views selected
// by flag rather than by the record's folder field.
type Folder string

const (
	FolderInbox     Folder = "inbox"
	FolderSent      Folder = "sent"
	FolderDrafts    Folder = "drafts"
	FolderTrash     Folder = "trash"
	FolderBookings  Folder = "bookings"
	FolderClients   Folder = "clients"
	FolderFinance   Folder = "finance"
	FolderGalleries Folder = "galleries"

	// FolderStarred is a virtual folder: membership is starred = true.
	FolderStarred Folder = "starred"

	// FolderArchived is a pseudo-folder: membership is archived = true.
	FolderArchived Folder = "archived"
)

// PhysicalFolders lists the folders a record's Folder field may hold.
var PhysicalFolders = []Folder{
	FolderInbox, FolderSent, FolderDrafts, FolderTrash,
	FolderBookings, FolderClients, FolderFinance, FolderGalleries,
}

// Valid reports whether f is a known folder, virtual views included.
func (f Folder) Valid() bool {
	if f.Virtual() {
		return true
	}
	for _, p := range PhysicalFolders {
		if f == p {
			return true
		}
	}
	return false
}

// Virtual reports whether f is selected by flag rather than by the
// record's folder field.
func (f Folder) Virtual() bool {
	return f == FolderStarred || f == FolderArchived
}

// Key identifies a record uniquely across all folders of one account.
type Key struct {
	AccountID string
	EmailID   string
}

// Attachment describes a stored attachment. The core treats these as
// opaque descriptors; content lives in object storage.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	StorageKey  string `json:"storageKey,omitempty"`
}

// EmailRecord is the canonical unit of email state.
type EmailRecord struct {
	AccountID string
	EmailID   string
	Folder    Folder

	// Timestamp is message send/receive time in epoch millis. It is
	// immutable after creation and orders records within a folder
	// (descending = newest first).
	Timestamp int64

	Subject     string
	FromAddress string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string

	// At most one of BodyHTML/BodyText is authoritative.
	BodyHTML string
	BodyText string

	Unread   bool
	Starred  bool
	Archived bool

	HasAttachments bool
	Attachments    []Attachment

	ThreadID string

	// UpdatedAt is the last local write time in epoch millis. Used only
	// for merge tie-breaking, never shown to the user.
	UpdatedAt int64
}

// Key returns the record's composite key.
func (r *EmailRecord) Key() Key {
	return Key{AccountID: r.AccountID, EmailID: r.EmailID}
}

// Clone returns a deep copy of the record.
func (r *EmailRecord) Clone() *EmailRecord {
	c := *r
	c.To = append([]string(nil), r.To...)
	c.Cc = append([]string(nil), r.Cc...)
	c.Bcc = append([]string(nil), r.Bcc...)
	c.Attachments = append([]Attachment(nil), r.Attachments...)
	return &c
}

// FlagPatch is a partial update of a record's mutable fields. Nil
// pointers leave the field unchanged.
type FlagPatch struct {
	Unread   *bool
	Starred  *bool
	Archived *bool
	Folder   *Folder
}

// IsZero reports whether the patch changes nothing.
func (p FlagPatch) IsZero() bool {
	return p.Unread == nil && p.Starred == nil && p.Archived == nil && p.Folder == nil
}

// Apply copies the patch's set fields onto r.
func (p FlagPatch) Apply(r *EmailRecord) {
	if p.Unread != nil {
		r.Unread = *p.Unread
	}
	if p.Starred != nil {
		r.Starred = *p.Starred
	}
	if p.Archived != nil {
		r.Archived = *p.Archived
	}
	if p.Folder != nil {
		r.Folder = *p.Folder
	}
}

// FolderSyncState caches the server-side validators from the last
// successful fetch of one (account, folder) pair.
type FolderSyncState struct {
	AccountID    string
	Folder       Folder
	ETag         string
	LastModified string
	NextToken    string
	UpdatedAt    time.Time
}

// TombstoneReason records why a tombstone exists.
type TombstoneReason string

const (
	TombstoneDeleted TombstoneReason = "deleted"
	TombstoneMoved   TombstoneReason = "moved"
)

// Tombstone marks a local delete or move not yet confirmed by the
// server, so a stale fetch cannot resurrect the record.
type Tombstone struct {
	AccountID    string
	EmailID      string
	Reason       TombstoneReason
	TargetFolder Folder
	CreatedAt    time.Time
}
