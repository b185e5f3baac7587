package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
	"github.com/apertura-studio/studiomail/internal/store"
)

const account = "acct-1"

func newTestEngine(t *testing.T) (*Engine, *mailapi.MockAPI) {
	t.Helper()
	mock := mailapi.NewMockAPI()
	e := New(store.NewMemory(), mock, nil)
	t.Cleanup(func() { e.Close() })
	return e, mock
}

func record(emailID string, folder mail.Folder, ts int64) *mail.EmailRecord {
	return &mail.EmailRecord{
		AccountID:   account,
		EmailID:     emailID,
		Folder:      folder,
		Timestamp:   ts,
		Subject:     "Subject " + emailID,
		FromAddress: emailID + "@example.com",
		To:          []string{"studio@example.com"},
		Unread:      true,
	}
}

func ids(records []*mail.EmailRecord) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.EmailID)
	}
	return out
}

func TestSyncPopulatesFolder(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox,
		record("m1", mail.FolderInbox, 300),
		record("m2", mail.FolderInbox, 100),
		record("m3", mail.FolderInbox, 200),
	)

	outcome, err := e.Sync(context.Background(), account, mail.FolderInbox)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !outcome.Success || outcome.Added != 3 || !outcome.Changed {
		t.Errorf("outcome = %+v, want success with 3 added", outcome)
	}

	got, err := e.List(account, mail.FolderInbox, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if diff := cmp.Diff([]string{"m1", "m3", "m2"}, ids(got)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncInvalidArgs(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.Sync(context.Background(), "", mail.FolderInbox); err == nil {
		t.Error("Sync(empty account) error = nil, want error")
	}
	if _, err := e.Sync(context.Background(), account, mail.Folder("junk")); err == nil {
		t.Error("Sync(unknown folder) error = nil, want error")
	}
}

func TestSyncFetchFailureIsNotAnError(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.FetchError = &mailapi.Failed{Kind: mailapi.ErrKindNetwork, Message: "connection refused"}

	outcome, err := e.Sync(context.Background(), account, mail.FolderInbox)
	if err != nil {
		t.Fatalf("Sync() error = %v, want nil (failure goes in the outcome)", err)
	}
	if outcome.Success || outcome.Message == "" {
		t.Errorf("outcome = %+v, want failed with message", outcome)
	}
}

func TestSyncUnmodifiedKeepsRecords(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	mock.SetETag(account, mail.FolderInbox, `"v1"`)

	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}

	outcome, err := e.Sync(context.Background(), account, mail.FolderInbox)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if !outcome.Unmodified || outcome.Changed {
		t.Errorf("outcome = %+v, want unmodified, unchanged", outcome)
	}

	got, err := e.List(account, mail.FolderInbox, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("records after 304 = %d, want 1 (data untouched)", len(got))
	}
}

func TestLoadMorePaginates(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetPages(account, mail.FolderInbox,
		[]*mail.EmailRecord{record("m1", mail.FolderInbox, 300)},
		[]*mail.EmailRecord{record("m2", mail.FolderInbox, 200)},
	)

	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	outcome, err := e.LoadMore(context.Background(), account, mail.FolderInbox)
	if err != nil {
		t.Fatalf("LoadMore() error = %v", err)
	}
	if outcome.Added != 1 {
		t.Errorf("LoadMore added = %d, want 1", outcome.Added)
	}

	got, _ := e.List(account, mail.FolderInbox, 10)
	if len(got) != 2 {
		t.Errorf("records after pagination = %d, want 2", len(got))
	}

	// No further pages: LoadMore is a successful no-op.
	outcome, err = e.LoadMore(context.Background(), account, mail.FolderInbox)
	if err != nil {
		t.Fatalf("LoadMore() error = %v", err)
	}
	if !outcome.Success || outcome.Changed {
		t.Errorf("exhausted LoadMore = %+v, want successful no-op", outcome)
	}
}

func TestMergeKeepsOptimisticFlags(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))

	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if _, err := e.Mutate(context.Background(), account, OpStar, "m1", ""); err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}

	// The next page was requested before the mutation, so it carries a
	// stale unstarred copy with fresher content.
	stale := record("m1", mail.FolderInbox, 100)
	stale.Subject = "Edited on the server"
	mock.SetFolder(account, mail.FolderInbox, stale)
	mock.RequestedAt = time.Now().Add(-time.Hour)

	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("resync error = %v", err)
	}

	got, err := e.List(account, mail.FolderInbox, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	if !got[0].Starred {
		t.Error("optimistic star lost to a stale server page")
	}
	if got[0].Subject != "Edited on the server" {
		t.Errorf("Subject = %q, want server content adopted", got[0].Subject)
	}
}

func TestMergeServerWinsWithoutLocalChange(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))

	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	// Server-side read state, fetched after any local write.
	updated := record("m1", mail.FolderInbox, 100)
	updated.Unread = false
	mock.SetFolder(account, mail.FolderInbox, updated)
	mock.RequestedAt = time.Now().Add(time.Hour)

	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("resync error = %v", err)
	}

	got, _ := e.List(account, mail.FolderInbox, 10)
	if len(got) != 1 || got[0].Unread {
		t.Errorf("records = %v, want m1 marked read by server", got)
	}
}

func TestMutateStarAndUndo(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	mut, err := e.Mutate(context.Background(), account, OpStar, "m1", "")
	if err != nil {
		t.Fatalf("Mutate() error = %v", err)
	}
	if !mut.Record.Starred {
		t.Error("Mutate(star) record not starred")
	}

	e.Wait()
	if len(mock.ManageCalls) != 1 || mock.ManageCalls[0].Action != mailapi.ActionStar {
		t.Errorf("ManageCalls = %+v, want one star action", mock.ManageCalls)
	}

	mut.Undo()
	e.Wait()

	got, _ := e.List(account, mail.FolderStarred, 10)
	if len(got) != 0 {
		t.Errorf("starred view after undo = %v, want empty", got)
	}
	if len(mock.ManageCalls) != 2 || mock.ManageCalls[1].Action != mailapi.ActionUnstar {
		t.Errorf("ManageCalls = %+v, want star then unstar", mock.ManageCalls)
	}
}

func TestMutateRemoteFailureKeepsLocalState(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	mock.ManageError = context.DeadlineExceeded
	if _, err := e.Mutate(context.Background(), account, OpMarkRead, "m1", ""); err != nil {
		t.Fatalf("Mutate() error = %v, want nil (remote failure is non-fatal)", err)
	}
	e.Wait()

	got, _ := e.List(account, mail.FolderInbox, 10)
	if len(got) != 1 || got[0].Unread {
		t.Errorf("records = %v, want m1 read despite remote failure", got)
	}
}

func TestMutateUnknownRecord(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Mutate(context.Background(), account, OpStar, "ghost", ""); err == nil {
		t.Error("Mutate(unknown) error = nil, want error")
	}
}

func TestMutateMoveValidatesTarget(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if _, err := e.Mutate(context.Background(), account, OpMove, "m1", mail.FolderStarred); err == nil {
		t.Error("Mutate(move to virtual folder) error = nil, want error")
	}
	if _, err := e.Mutate(context.Background(), account, OpMove, "m1", mail.Folder("junk")); err == nil {
		t.Error("Mutate(move to unknown folder) error = nil, want error")
	}
}

func TestDeleteSurvivesResync(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if _, err := e.Mutate(context.Background(), account, OpDelete, "m1", ""); err != nil {
		t.Fatalf("Mutate(delete) error = %v", err)
	}
	e.Wait()

	// The server has not yet processed the delete: the record comes
	// back in its old folder on the next page.
	mock.RequestedAt = time.Now().Add(-time.Hour)
	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("resync error = %v", err)
	}

	inbox, _ := e.List(account, mail.FolderInbox, 10)
	if len(inbox) != 0 {
		t.Errorf("inbox after delete+resync = %v, want empty (tombstone holds)", inbox)
	}
	trash, _ := e.List(account, mail.FolderTrash, 10)
	if len(trash) != 1 {
		t.Errorf("trash = %v, want deleted record", trash)
	}
}

func TestMoveTombstoneConfirmedByServer(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if _, err := e.Mutate(context.Background(), account, OpMove, "m1", mail.FolderClients); err != nil {
		t.Fatalf("Mutate(move) error = %v", err)
	}
	e.Wait()

	// Server now reports the record in its new folder: the tombstone is
	// confirmed and removed.
	moved := record("m1", mail.FolderClients, 100)
	mock.SetFolder(account, mail.FolderClients, moved)
	if _, err := e.Sync(context.Background(), account, mail.FolderClients); err != nil {
		t.Fatalf("resync error = %v", err)
	}

	if ts, err := e.store.GetTombstone(account, "m1"); err != nil || ts != nil {
		t.Errorf("tombstone after confirmation = %+v (err %v), want pruned", ts, err)
	}
}

func TestDeleteTombstoneConfirmedByServer(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	if _, err := e.Sync(context.Background(), account, mail.FolderInbox); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if _, err := e.Mutate(context.Background(), account, OpDelete, "m1", ""); err != nil {
		t.Fatalf("Mutate(delete) error = %v", err)
	}
	e.Wait()

	// Server now reports the record in trash: the delete is confirmed
	// and the tombstone removed before its TTL runs out.
	mock.SetFolder(account, mail.FolderTrash, record("m1", mail.FolderTrash, 100))
	if _, err := e.Sync(context.Background(), account, mail.FolderTrash); err != nil {
		t.Fatalf("resync error = %v", err)
	}

	if ts, err := e.store.GetTombstone(account, "m1"); err != nil || ts != nil {
		t.Errorf("tombstone after confirmation = %+v (err %v), want pruned", ts, err)
	}
	trash, _ := e.List(account, mail.FolderTrash, 10)
	if len(trash) != 1 {
		t.Errorf("trash = %v, want deleted record", trash)
	}
}

func TestSyncAll(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SetFolder(account, mail.FolderInbox, record("m1", mail.FolderInbox, 100))
	mock.SetFolder(account, mail.FolderSent, record("m2", mail.FolderSent, 200))

	outcomes, err := e.SyncAll(context.Background(), account, []mail.Folder{mail.FolderInbox, mail.FolderSent})
	if err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	for folder, o := range outcomes {
		if !o.Success || o.Added != 1 {
			t.Errorf("outcome[%s] = %+v, want 1 added", folder, o)
		}
	}
}

func TestSendAppearsInSentFolder(t *testing.T) {
	e, mock := newTestEngine(t)

	rec, err := e.Send(context.Background(), account, &mailapi.OutgoingMessage{
		From:    "studio@example.com",
		To:      []string{"client@example.com"},
		Subject: "Your gallery is live",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if rec.EmailID == "" || rec.Folder != mail.FolderSent {
		t.Errorf("sent record = %+v, want generated id in sent", rec)
	}
	if len(mock.SendCalls) != 1 {
		t.Errorf("SendCalls = %d, want 1", len(mock.SendCalls))
	}

	got, _ := e.List(account, mail.FolderSent, 10)
	if len(got) != 1 || got[0].EmailID != rec.EmailID {
		t.Errorf("sent folder = %v, want the sent message", got)
	}
}

func TestSaveDraftRemoteFailure(t *testing.T) {
	e, mock := newTestEngine(t)
	mock.SendError = context.DeadlineExceeded

	if _, err := e.SaveDraft(context.Background(), account, &mailapi.OutgoingMessage{Subject: "wip"}); err == nil {
		t.Error("SaveDraft() error = nil, want remote error surfaced")
	}
	got, _ := e.List(account, mail.FolderDrafts, 10)
	if len(got) != 0 {
		t.Errorf("drafts after failed save = %v, want empty", got)
	}
}

func TestOpenStoreFailSoft(t *testing.T) {
	// A file where the parent directory should be forces the SQLite
	// open to fail.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	rs := OpenStore(filepath.Join(blocker, "nested", "mail.db"), nil)
	if _, ok := rs.(*store.Memory); !ok {
		t.Fatalf("OpenStore() = %T, want in-memory fallback", rs)
	}

	// The degraded store still serves the full contract.
	if _, err := rs.UpsertRecords(account, mail.FolderInbox, []*mail.EmailRecord{record("m1", mail.FolderInbox, 100)}); err != nil {
		t.Errorf("degraded UpsertRecords() error = %v", err)
	}
}

func TestListHydratesFromStore(t *testing.T) {
	rs := store.NewMemory()
	if _, err := rs.UpsertRecords(account, mail.FolderInbox, []*mail.EmailRecord{
		record("m1", mail.FolderInbox, 100),
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	e := New(rs, mailapi.NewMockAPI(), nil)
	t.Cleanup(func() { e.Close() })

	// No sync has happened; List must serve the persisted cache.
	got, err := e.List(account, mail.FolderInbox, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].EmailID != "m1" {
		t.Errorf("List() = %v, want cached m1", got)
	}
}

func TestListGrowingLimitRehydrates(t *testing.T) {
	rs := store.NewMemory()
	var seed []*mail.EmailRecord
	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		seed = append(seed, record(id, mail.FolderInbox, int64(100+i)))
	}
	if _, err := rs.UpsertRecords(account, mail.FolderInbox, seed); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	e := New(rs, mailapi.NewMockAPI(), nil)
	t.Cleanup(func() { e.Close() })

	got, err := e.List(account, mail.FolderInbox, 2)
	if err != nil {
		t.Fatalf("List(limit=2) error = %v", err)
	}
	if diff := cmp.Diff([]string{"m5", "m4"}, ids(got)); diff != "" {
		t.Errorf("List(limit=2) ids mismatch (-want +got):\n%s", diff)
	}

	// A larger limit must reach past what the first call loaded.
	got, err = e.List(account, mail.FolderInbox, 10)
	if err != nil {
		t.Fatalf("List(limit=10) error = %v", err)
	}
	if diff := cmp.Diff([]string{"m5", "m4", "m3", "m2", "m1"}, ids(got)); diff != "" {
		t.Errorf("List(limit=10) ids mismatch (-want +got):\n%s", diff)
	}
}
