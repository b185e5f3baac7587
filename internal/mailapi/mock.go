package mailapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apertura-studio/studiomail/internal/mail"
)

// folderKey identifies one (account, folder) in mock state.
type folderKey struct {
	AccountID string
	Folder    mail.Folder
}

// MockAPI is an in-memory implementation of API for tests.
type MockAPI struct {
	mu sync.Mutex

	// Pages holds the pages returned per (account, folder). Each call
	// to FetchFolder with an empty nextToken serves page 0; a token
	// "page-N" serves page N.
	Pages map[folderKey][][]*mail.EmailRecord

	// ETags per (account, folder). A fetch whose validators carry the
	// current ETag yields Unmodified.
	ETags map[folderKey]string

	// RequestedAt overrides the request issue time stamped on Updated
	// results. Zero means time.Now().
	RequestedAt time.Time

	// Error injection
	FetchError  *Failed
	ManageError error
	DeleteError error
	SendError   error

	// Call tracking for assertions
	FetchCalls  []folderKey
	ManageCalls []ManageCall
	DeleteCalls []string
	SendCalls   []*OutgoingMessage
	DraftCalls  []*OutgoingMessage
}

// ManageCall records one ManageMail invocation.
type ManageCall struct {
	AccountID string
	EmailID   string
	Action    string
	Target    mail.Folder
}

// NewMockAPI creates a mock with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Pages: make(map[folderKey][][]*mail.EmailRecord),
		ETags: make(map[folderKey]string),
	}
}

// SetFolder replaces the single page served for (account, folder).
func (m *MockAPI) SetFolder(accountID string, folder mail.Folder, records ...*mail.EmailRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pages[folderKey{accountID, folder}] = [][]*mail.EmailRecord{records}
}

// SetPages replaces the paginated result set for (account, folder).
func (m *MockAPI) SetPages(accountID string, folder mail.Folder, pages ...[]*mail.EmailRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pages[folderKey{accountID, folder}] = pages
}

// SetETag sets the current ETag for (account, folder).
func (m *MockAPI) SetETag(accountID string, folder mail.Folder, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ETags[folderKey{accountID, folder}] = etag
}

// FetchFolder serves pages from mock state.
func (m *MockAPI) FetchFolder(ctx context.Context, accountID string, folder mail.Folder, limit int, nextToken string, validators *Validators) FetchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := folderKey{accountID, folder}
	m.FetchCalls = append(m.FetchCalls, key)

	if m.FetchError != nil {
		return *m.FetchError
	}

	etag := m.ETags[key]
	if validators != nil && etag != "" && validators.ETag == etag {
		return Unmodified{ETag: etag}
	}

	pages := m.Pages[key]
	page := 0
	if nextToken != "" {
		fmt.Sscanf(nextToken, "page-%d", &page)
	}
	if page >= len(pages) {
		return Updated{ETag: etag, RequestedAt: m.requestedAt()}
	}

	records := make([]*mail.EmailRecord, 0, len(pages[page]))
	for _, rec := range pages[page] {
		if rec.EmailID == "" {
			continue
		}
		c := rec.Clone()
		c.AccountID = accountID
		if c.Folder == "" {
			c.Folder = folder
		}
		records = append(records, c)
		if len(records) == limit {
			break
		}
	}

	next := ""
	if page+1 < len(pages) {
		next = fmt.Sprintf("page-%d", page+1)
	}

	return Updated{
		Records:     records,
		NextToken:   next,
		ETag:        etag,
		RequestedAt: m.requestedAt(),
	}
}

func (m *MockAPI) requestedAt() time.Time {
	if !m.RequestedAt.IsZero() {
		return m.RequestedAt
	}
	return time.Now()
}

// ManageMail records the call and returns the injected error, if any.
func (m *MockAPI) ManageMail(ctx context.Context, accountID, emailID, action string, target mail.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ManageCalls = append(m.ManageCalls, ManageCall{accountID, emailID, action, target})
	return m.ManageError
}

// DeleteMail records the call and returns the injected error, if any.
func (m *MockAPI) DeleteMail(ctx context.Context, accountID, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, emailID)
	return m.DeleteError
}

// SendMail records the call.
func (m *MockAPI) SendMail(ctx context.Context, accountID string, msg *OutgoingMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendCalls = append(m.SendCalls, msg)
	if m.SendError != nil {
		return "", m.SendError
	}
	if msg.EmailID != "" {
		return msg.EmailID, nil
	}
	return fmt.Sprintf("sent-%d", len(m.SendCalls)), nil
}

// SaveDraft records the call.
func (m *MockAPI) SaveDraft(ctx context.Context, accountID string, msg *OutgoingMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DraftCalls = append(m.DraftCalls, msg)
	if m.SendError != nil {
		return "", m.SendError
	}
	if msg.EmailID != "" {
		return msg.EmailID, nil
	}
	return fmt.Sprintf("draft-%d", len(m.DraftCalls)), nil
}

// Close is a no-op.
func (m *MockAPI) Close() error {
	return nil
}

// Ensure MockAPI implements the API interface.
var _ API = (*MockAPI)(nil)
