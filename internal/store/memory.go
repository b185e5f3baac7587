package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/apertura-studio/studiomail/internal/mail"
)

// Memory is an in-memory implementation of the record store, used when
// the SQLite backend cannot be opened. Writes are lost on restart; the
// read/write contract is otherwise identical to Store.
type Memory struct {
	mu         sync.RWMutex
	records    map[mail.Key]*mail.EmailRecord
	states     map[mail.Key]*mail.FolderSyncState // EmailID field holds the folder
	tombstones map[mail.Key]*mail.Tombstone
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:    make(map[mail.Key]*mail.EmailRecord),
		states:     make(map[mail.Key]*mail.FolderSyncState),
		tombstones: make(map[mail.Key]*mail.Tombstone),
	}
}

func stateKey(accountID string, folder mail.Folder) mail.Key {
	return mail.Key{AccountID: accountID, EmailID: string(folder)}
}

// UpsertRecords mirrors Store.UpsertRecords.
func (m *Memory) UpsertRecords(accountID string, folder mail.Folder, records []*mail.EmailRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	written := 0
	for _, rec := range records {
		if rec == nil || rec.EmailID == "" {
			continue
		}
		c := rec.Clone()
		c.AccountID = accountID
		if c.Folder == "" {
			c.Folder = folder
		}
		if c.UpdatedAt == 0 {
			c.UpdatedAt = now
		}
		m.records[c.Key()] = c
		written++
	}
	return written, nil
}

// GetByFolder mirrors Store.GetByFolder.
func (m *Memory) GetByFolder(accountID string, folder mail.Folder, limit int) ([]*mail.EmailRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*mail.EmailRecord
	for _, rec := range m.records {
		if rec.AccountID != accountID {
			continue
		}
		switch folder {
		case mail.FolderStarred:
			if !rec.Starred || rec.Archived {
				continue
			}
		case mail.FolderArchived:
			if !rec.Archived {
				continue
			}
		default:
			if rec.Folder != folder || rec.Archived {
				continue
			}
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

// GetByKey mirrors Store.GetByKey.
func (m *Memory) GetByKey(accountID, emailID string) (*mail.EmailRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[mail.Key{AccountID: accountID, EmailID: emailID}]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// UpdateFlags mirrors Store.UpdateFlags.
func (m *Memory) UpdateFlags(accountID, emailID string, patch mail.FlagPatch) (bool, error) {
	if patch.IsZero() {
		return false, fmt.Errorf("empty flag patch")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[mail.Key{AccountID: accountID, EmailID: emailID}]
	if !ok {
		return false, nil
	}
	patch.Apply(rec)
	rec.UpdatedAt = time.Now().UnixMilli()
	return true, nil
}

// CountByFolder mirrors Store.CountByFolder.
func (m *Memory) CountByFolder(accountID string) (map[mail.Folder]FolderCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[mail.Folder]FolderCount)
	add := func(folder mail.Folder, unread bool) {
		c := counts[folder]
		c.Total++
		if unread {
			c.Unread++
		}
		counts[folder] = c
	}

	for _, rec := range m.records {
		if rec.AccountID != accountID {
			continue
		}
		if rec.Archived {
			add(mail.FolderArchived, rec.Unread)
			continue
		}
		add(rec.Folder, rec.Unread)
		if rec.Starred {
			add(mail.FolderStarred, rec.Unread)
		}
	}
	return counts, nil
}

// GetFolderState mirrors Store.GetFolderState.
func (m *Memory) GetFolderState(accountID string, folder mail.Folder) (*mail.FolderSyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[stateKey(accountID, folder)]
	if !ok {
		return nil, nil
	}
	c := *state
	return &c, nil
}

// PutFolderState mirrors Store.PutFolderState.
func (m *Memory) PutFolderState(state *mail.FolderSyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *state
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	m.states[stateKey(state.AccountID, state.Folder)] = &c
	return nil
}

// PutTombstone mirrors Store.PutTombstone.
func (m *Memory) PutTombstone(t *mail.Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *t
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.tombstones[mail.Key{AccountID: t.AccountID, EmailID: t.EmailID}] = &c
	return nil
}

// GetTombstone mirrors Store.GetTombstone.
func (m *Memory) GetTombstone(accountID, emailID string) (*mail.Tombstone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tombstones[mail.Key{AccountID: accountID, EmailID: emailID}]
	if !ok {
		return nil, nil
	}
	c := *t
	return &c, nil
}

// DeleteTombstone mirrors Store.DeleteTombstone.
func (m *Memory) DeleteTombstone(accountID, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tombstones, mail.Key{AccountID: accountID, EmailID: emailID})
	return nil
}

// PruneTombstones mirrors Store.PruneTombstones.
func (m *Memory) PruneTombstones(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, t := range m.tombstones {
		if t.CreatedAt.Before(olderThan) {
			delete(m.tombstones, k)
			n++
		}
	}
	return n, nil
}

// GetStats mirrors Store.GetStats.
func (m *Memory) GetStats() (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make(map[string]bool)
	for k := range m.records {
		accounts[k.AccountID] = true
	}
	return &Stats{
		EmailCount:     int64(len(m.records)),
		AccountCount:   int64(len(accounts)),
		TombstoneCount: int64(len(m.tombstones)),
		SyncedFolders:  int64(len(m.states)),
	}, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
