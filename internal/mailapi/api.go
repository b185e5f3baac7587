// Package mailapi provides the remote mail API client with conditional
// requests, bounded retry, and a degraded full-scan fallback.
package mailapi

import (
	"context"
	"time"

	"github.com/apertura-studio/studiomail/internal/mail"
)

// Validators are the opaque cache validators from a prior fetch,
// attached to the next request as If-None-Match / If-Modified-Since.
type Validators struct {
	ETag         string
	LastModified string
}

// ErrorKind classifies terminal fetch failures.
type ErrorKind string

const (
	ErrKindNetwork  ErrorKind = "network"  // transport failed after retries
	ErrKindHTTP     ErrorKind = "http"     // non-retryable status
	ErrKindDecode   ErrorKind = "decode"   // response body unreadable
	ErrKindRejected ErrorKind = "rejected" // server reported success=false
)

// FetchResult is the outcome of a folder fetch. Exactly one of the
// three concrete types is returned; callers type-switch exhaustively.
type FetchResult interface {
	fetchResult()
}

// Unmodified means the server confirmed no change since the supplied
// validators. Callers must not clear existing data.
type Unmodified struct {
	ETag         string
	LastModified string
}

// Updated carries a page of freshly fetched records.
type Updated struct {
	Records      []*mail.EmailRecord
	NextToken    string
	ETag         string
	LastModified string

	// RequestedAt is the instant the request was issued, captured
	// before the HTTP call. The merge layer compares it against local
	// mutation times to decide flag priority.
	RequestedAt time.Time

	// Dropped counts malformed transport records skipped from the page.
	Dropped int
}

// Failed is a terminal fetch failure after retries are exhausted.
type Failed struct {
	Kind    ErrorKind
	Message string
}

func (Unmodified) fetchResult() {}
func (Updated) fetchResult()    {}
func (Failed) fetchResult()     {}

// Manage actions accepted by the remote mail API.
const (
	ActionMarkRead   = "markRead"
	ActionMarkUnread = "markUnread"
	ActionStar       = "star"
	ActionUnstar     = "unstar"
	ActionArchive    = "archive"
	ActionUnarchive  = "unarchive"
	ActionMove       = "move"
)

// OutgoingMessage is a message to send or store as a draft.
type OutgoingMessage struct {
	EmailID  string   `json:"emailId,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`
	BodyHTML string   `json:"bodyHtml,omitempty"`
	BodyText string   `json:"bodyText,omitempty"`
	ThreadID string   `json:"threadId,omitempty"`
}

// FolderFetcher provides read access to remote folders.
type FolderFetcher interface {
	// FetchFolder returns one page of a folder. nextToken continues a
	// prior page; validators enable a 304 short-circuit. Never returns
	// a Go error: all outcomes resolve to the FetchResult union.
	FetchFolder(ctx context.Context, accountID string, folder mail.Folder, limit int, nextToken string, validators *Validators) FetchResult
}

// Mutator provides write operations against the remote mailbox.
type Mutator interface {
	// ManageMail applies a flag or move action to one email.
	ManageMail(ctx context.Context, accountID, emailID, action string, target mail.Folder) error

	// DeleteMail removes one email remotely (server moves it to trash).
	DeleteMail(ctx context.Context, accountID, emailID string) error
}

// Composer sends or drafts outgoing mail.
type Composer interface {
	// SendMail submits a message for delivery and returns its emailId.
	SendMail(ctx context.Context, accountID string, msg *OutgoingMessage) (string, error)

	// SaveDraft stores a draft and returns its emailId.
	SaveDraft(ctx context.Context, accountID string, msg *OutgoingMessage) (string, error)
}

// API is the full remote mail surface. The interface exists so the
// sync engine can be tested against a mock without a live server.
type API interface {
	FolderFetcher
	Mutator
	Composer

	// Close releases any resources held by the client.
	Close() error
}
