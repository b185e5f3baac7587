// Package engine keeps three copies of email state loosely
// synchronized: the remote server, the local cache, and an in-memory
// working set that may carry optimistic flag changes not yet
// round-tripped. Conflict policy is last-writer-wins with a
// local-priority carve-out for flags (see merge.go).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
	"github.com/apertura-studio/studiomail/internal/store"
)

// RecordStore is the persistence surface the engine needs. Both the
// SQLite store and the in-memory fallback satisfy it.
type RecordStore interface {
	UpsertRecords(accountID string, folder mail.Folder, records []*mail.EmailRecord) (int, error)
	GetByFolder(accountID string, folder mail.Folder, limit int) ([]*mail.EmailRecord, error)
	GetByKey(accountID, emailID string) (*mail.EmailRecord, error)
	UpdateFlags(accountID, emailID string, patch mail.FlagPatch) (bool, error)
	CountByFolder(accountID string) (map[mail.Folder]store.FolderCount, error)

	GetFolderState(accountID string, folder mail.Folder) (*mail.FolderSyncState, error)
	PutFolderState(state *mail.FolderSyncState) error

	PutTombstone(t *mail.Tombstone) error
	GetTombstone(accountID, emailID string) (*mail.Tombstone, error)
	DeleteTombstone(accountID, emailID string) error
	PruneTombstones(olderThan time.Time) (int, error)

	GetStats() (*store.Stats, error)
	Close() error
}

var (
	_ RecordStore = (*store.Store)(nil)
	_ RecordStore = (*store.Memory)(nil)
)

// DefaultPageSize is the fetch page size when the caller does not set one.
const DefaultPageSize = 50

// DefaultTombstoneTTL is how long a tombstone suppresses stale server
// state before expiring.
const DefaultTombstoneTTL = 24 * time.Hour

// remoteNotifyTimeout bounds each background mutation push.
const remoteNotifyTimeout = 30 * time.Second

// Options configures engine behavior.
type Options struct {
	// PageSize is the number of records fetched per page.
	PageSize int

	// TombstoneTTL is the age after which tombstones expire.
	TombstoneTTL time.Duration

	// SyncConcurrency bounds parallel folder syncs in SyncAll.
	SyncConcurrency int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		PageSize:        DefaultPageSize,
		TombstoneTTL:    DefaultTombstoneTTL,
		SyncConcurrency: 4,
	}
}

// Engine is the mail cache core. Construct one per application and
// pass it to every consumer; it holds no global state.
type Engine struct {
	store  RecordStore
	client mailapi.API
	logger *slog.Logger
	opts   *Options
	now    func() time.Time

	mu      sync.Mutex
	working map[mail.Key]*mail.EmailRecord

	// hydrated records the largest limit already loaded from the
	// store per folder, so a later List with a bigger limit
	// re-reads the cache instead of serving a truncated view.
	hydrated map[accountFolder]int

	// wg tracks fire-and-forget remote notifications so shutdown and
	// tests can drain them.
	wg sync.WaitGroup
}

type accountFolder struct {
	AccountID string
	Folder    mail.Folder
}

// New creates an Engine over the given store and remote client.
func New(rs RecordStore, client mailapi.API, opts *Options) *Engine {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	if opts.SyncConcurrency <= 0 {
		opts.SyncConcurrency = 4
	}
	return &Engine{
		store:    rs,
		client:   client,
		logger:   slog.Default(),
		opts:     opts,
		now:      time.Now,
		working:  make(map[mail.Key]*mail.EmailRecord),
		hydrated: make(map[accountFolder]int),
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// OpenStore opens the SQLite cache at dbPath, degrading to an
// in-memory store when the backend cannot be opened. The degraded mode
// is logged once; writes are lost on restart but every operation keeps
// working.
func OpenStore(dbPath string, logger *slog.Logger) RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := store.Open(dbPath)
	if err != nil {
		logger.Warn("local store unavailable, continuing in memory-only mode; writes are lost on reload",
			"path", dbPath, "error", err)
		return store.NewMemory()
	}
	return s
}

// SyncOutcome is the result of one folder sync. Fetch failures resolve
// here rather than as Go errors; only invalid arguments error.
type SyncOutcome struct {
	Success    bool
	Changed    bool
	Unmodified bool
	Added      int
	Merged     int
	Dropped    int
	Message    string
}

// Sync fetches the first page of a folder with the cached validators
// and merges the result. A NotModified response refreshes only the
// folder-state timestamp.
func (e *Engine) Sync(ctx context.Context, accountID string, folder mail.Folder) (*SyncOutcome, error) {
	if accountID == "" {
		return nil, fmt.Errorf("empty accountID")
	}
	if !folder.Valid() {
		return nil, fmt.Errorf("unknown folder %q", folder)
	}
	return e.syncPage(ctx, accountID, folder, ""), nil
}

// LoadMore fetches the next page of a folder using the stored
// continuation token. Returns an outcome with Changed=false when there
// are no further pages.
func (e *Engine) LoadMore(ctx context.Context, accountID string, folder mail.Folder) (*SyncOutcome, error) {
	if accountID == "" {
		return nil, fmt.Errorf("empty accountID")
	}
	if !folder.Valid() {
		return nil, fmt.Errorf("unknown folder %q", folder)
	}

	state, err := e.store.GetFolderState(accountID, folder)
	if err != nil {
		e.logger.Warn("read folder state failed", "folder", folder, "error", err)
	}
	if state == nil || state.NextToken == "" {
		return &SyncOutcome{Success: true}, nil
	}
	return e.syncPage(ctx, accountID, folder, state.NextToken), nil
}

func (e *Engine) syncPage(ctx context.Context, accountID string, folder mail.Folder, nextToken string) *SyncOutcome {
	state, err := e.store.GetFolderState(accountID, folder)
	if err != nil {
		e.logger.Warn("read folder state failed", "folder", folder, "error", err)
		state = nil
	}

	// Validators only apply to first-page fetches; a continuation page
	// is by definition content we have not seen.
	var validators *mailapi.Validators
	if nextToken == "" && state != nil && (state.ETag != "" || state.LastModified != "") {
		validators = &mailapi.Validators{ETag: state.ETag, LastModified: state.LastModified}
	}

	result := e.client.FetchFolder(ctx, accountID, folder, e.opts.PageSize, nextToken, validators)

	switch r := result.(type) {
	case mailapi.Unmodified:
		// Records are untouched; only the sync timestamp moves.
		refreshed := mail.FolderSyncState{
			AccountID:    accountID,
			Folder:       folder,
			ETag:         r.ETag,
			LastModified: r.LastModified,
			UpdatedAt:    e.now(),
		}
		if state != nil {
			refreshed.NextToken = state.NextToken
		}
		if err := e.store.PutFolderState(&refreshed); err != nil {
			e.logger.Warn("refresh folder state failed", "folder", folder, "error", err)
		}
		return &SyncOutcome{Success: true, Unmodified: true}

	case mailapi.Updated:
		added, merged := e.merge(accountID, folder, r)
		if err := e.store.PutFolderState(&mail.FolderSyncState{
			AccountID:    accountID,
			Folder:       folder,
			ETag:         r.ETag,
			LastModified: r.LastModified,
			NextToken:    r.NextToken,
			UpdatedAt:    e.now(),
		}); err != nil {
			e.logger.Warn("save folder state failed", "folder", folder, "error", err)
		}

		if n, err := e.store.PruneTombstones(e.now().Add(-e.opts.TombstoneTTL)); err != nil {
			e.logger.Warn("prune tombstones failed", "error", err)
		} else if n > 0 {
			e.logger.Debug("pruned expired tombstones", "count", n)
		}

		return &SyncOutcome{
			Success: true,
			Changed: added+merged > 0,
			Added:   added,
			Merged:  merged,
			Dropped: r.Dropped,
		}

	case mailapi.Failed:
		e.logger.Warn("folder sync failed", "account", accountID, "folder", folder,
			"kind", r.Kind, "error", r.Message)
		return &SyncOutcome{Success: false, Message: r.Message}

	default:
		return &SyncOutcome{Success: false, Message: fmt.Sprintf("unexpected fetch result %T", result)}
	}
}

// SyncAll syncs every given folder for an account with bounded
// concurrency and returns the per-folder outcomes.
func (e *Engine) SyncAll(ctx context.Context, accountID string, folders []mail.Folder) (map[mail.Folder]*SyncOutcome, error) {
	if accountID == "" {
		return nil, fmt.Errorf("empty accountID")
	}
	if len(folders) == 0 {
		folders = mail.PhysicalFolders
	}

	var mu sync.Mutex
	outcomes := make(map[mail.Folder]*SyncOutcome, len(folders))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.SyncConcurrency)

	for _, folder := range folders {
		folder := folder
		g.Go(func() error {
			outcome, err := e.Sync(ctx, accountID, folder)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes[folder] = outcome
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// List returns up to limit records of a folder from the merged
// in-memory state, hydrating from the local store on first access.
// Ordering is timestamp descending.
func (e *Engine) List(accountID string, folder mail.Folder, limit int) ([]*mail.EmailRecord, error) {
	if accountID == "" {
		return nil, fmt.Errorf("empty accountID")
	}
	if !folder.Valid() {
		return nil, fmt.Errorf("unknown folder %q", folder)
	}
	if limit <= 0 {
		limit = e.opts.PageSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.hydrateLocked(accountID, folder, limit)

	var out []*mail.EmailRecord
	for _, rec := range e.working {
		if rec.AccountID != accountID || !folderMatches(rec, folder) {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts returns per-folder totals for an account, honoring the
// archived-exclusion rule.
func (e *Engine) Counts(accountID string) (map[mail.Folder]store.FolderCount, error) {
	return e.store.CountByFolder(accountID)
}

// Stats exposes cache statistics.
func (e *Engine) Stats() (*store.Stats, error) {
	return e.store.GetStats()
}

// Wait drains outstanding fire-and-forget remote notifications. Called
// on shutdown and by tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close drains remote notifications and closes the store.
func (e *Engine) Close() error {
	e.Wait()
	return e.store.Close()
}

// hydrateLocked loads a folder's stored records into the working set.
// Records already in memory win: they may carry optimistic changes.
func (e *Engine) hydrateLocked(accountID string, folder mail.Folder, limit int) {
	af := accountFolder{accountID, folder}
	if prev, ok := e.hydrated[af]; ok && prev >= limit {
		return
	}

	stored, err := e.store.GetByFolder(accountID, folder, limit)
	if err != nil {
		e.logger.Warn("hydrate from store failed", "folder", folder, "error", err)
		return
	}
	for _, rec := range stored {
		if _, ok := e.working[rec.Key()]; !ok {
			e.working[rec.Key()] = rec
		}
	}
	e.hydrated[af] = limit
}

// folderMatches applies folder-membership semantics: virtual folders
// select by flag, archived records are hidden everywhere else.
func folderMatches(rec *mail.EmailRecord, folder mail.Folder) bool {
	switch folder {
	case mail.FolderStarred:
		return rec.Starred && !rec.Archived
	case mail.FolderArchived:
		return rec.Archived
	default:
		return rec.Folder == folder && !rec.Archived
	}
}
