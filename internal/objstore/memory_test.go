package objstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/dtxn/internal/fid"
	"pkt.systems/dtxn/internal/update"
)

var (
	testDir  = fid.New(0x400, 1)
	testFile = fid.New(0x400, 2)
)

func startedTxn(t *testing.T, m *Memory) Txn {
	t.Helper()
	txn, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := txn.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return txn
}

func resolve(t *testing.T, m *Memory, f fid.FID) Object {
	t.Helper()
	obj, err := m.Resolve(context.Background(), f)
	if err != nil {
		t.Fatalf("resolve %s: %v", f, err)
	}
	return obj
}

func TestMemoryPrimitives(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{Name: "mdt0"})
	if err := m.Seed(testDir, update.Attr{Valid: update.ValidMode, Mode: update.ModeDir | 0o755}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	txn := startedTxn(t, m)
	dir := resolve(t, m, testDir)
	defer dir.Release()
	file := resolve(t, m, testFile)
	defer file.Release()

	if err := txn.Create(ctx, file, update.Attr{Mode: update.ModeRegular | 0o644}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := txn.Create(ctx, file, update.Attr{}); !errors.Is(err, ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
	if err := txn.IndexInsert(ctx, dir, "a", IndexEntry{Target: testFile}); err != nil {
		t.Fatalf("index insert: %v", err)
	}
	if err := txn.IndexInsert(ctx, dir, "a", IndexEntry{Target: testFile}); !errors.Is(err, ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
	if err := txn.IndexInsert(ctx, file, "a", IndexEntry{Target: testFile}); !errors.Is(err, ErrNotDir) {
		t.Fatalf("expected ErrNotDir, got %v", err)
	}
	entry, err := txn.IndexLookup(ctx, dir, "a")
	if err != nil || entry.Target != testFile {
		t.Fatalf("lookup: %+v %v", entry, err)
	}
	if err := txn.Write(ctx, file, 4, []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := txn.Write(ctx, file, 1<<62, []byte("x")); !errors.Is(err, ErrFileTooBig) {
		t.Fatalf("expected ErrFileTooBig, got %v", err)
	}
	got, err := txn.Read(ctx, file, 0, 100)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "\x00\x00\x00\x00data" {
		t.Fatalf("unexpected data %q", got)
	}
	attr, err := txn.AttrGet(ctx, file)
	if err != nil || attr.Size != 8 || attr.Nlink != 1 {
		t.Fatalf("attr get: %+v %v", attr, err)
	}
	if err := txn.XattrSet(ctx, file, "user.k", []byte("v"), update.XattrReplace); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
	if err := txn.XattrSet(ctx, file, "user.k", []byte("v"), update.XattrCreate); err != nil {
		t.Fatalf("xattr set: %v", err)
	}
	if v, err := txn.XattrGet(ctx, file, "user.k"); err != nil || string(v) != "v" {
		t.Fatalf("xattr get: %q %v", v, err)
	}
	if err := txn.RefAdd(ctx, file); err != nil {
		t.Fatalf("ref add: %v", err)
	}
	if _, err := txn.Stop(ctx, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}

	snap, ok := m.Get(testFile)
	if !ok || snap.Attr.Nlink != 2 || string(snap.Xattrs["user.k"]) != "v" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if stats := m.Stats(); stats.Committed != 1 || stats.Started != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMemoryTxnStateChecks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	txn, err := m.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	obj := resolve(t, m, testFile)
	defer obj.Release()
	if err := txn.Create(ctx, obj, update.Attr{}); !errors.Is(err, ErrTxnState) {
		t.Fatalf("expected ErrTxnState before start, got %v", err)
	}
	if err := txn.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := txn.Declare(ctx, obj, update.Destroy{}); !errors.Is(err, ErrTxnState) {
		t.Fatalf("expected ErrTxnState for late declare, got %v", err)
	}
	if txn.Seq() == 0 {
		t.Fatalf("expected sequence after start")
	}
	if _, err := txn.Stop(ctx, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := txn.Stop(ctx, nil); !errors.Is(err, ErrTxnState) {
		t.Fatalf("expected ErrTxnState on double stop, got %v", err)
	}
}

func TestMemoryDeclareQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{MaxObjects: 1, MaxCredits: 3})
	txn, err := m.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a := resolve(t, m, fid.New(0x400, 10))
	defer a.Release()
	b := resolve(t, m, fid.New(0x400, 11))
	defer b.Release()
	if err := txn.Declare(ctx, a, update.Create{}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := txn.Declare(ctx, b, update.Create{}); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
	if err := txn.Declare(ctx, a, update.AttrSet{}); err != nil {
		t.Fatalf("declare attr set: %v", err)
	}
	if err := txn.Declare(ctx, a, update.RefAdd{}); err != nil {
		t.Fatalf("declare ref add: %v", err)
	}
	if err := txn.Declare(ctx, a, update.RefDel{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := txn.Stop(ctx, errors.New("abort")); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// reservation released
	txn2, err := m.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := txn2.Declare(ctx, b, update.Create{}); err != nil {
		t.Fatalf("declare after release: %v", err)
	}
	if _, err := txn2.Stop(ctx, errors.New("abort")); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stats := m.Stats(); stats.Aborted != 2 || stats.Executed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMemoryCommitCallbacksRunOnCommitOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{Name: "ost0"})
	var mu sync.Mutex
	var seen []Commit
	record := func(_ context.Context, c Commit) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c)
		return nil
	}

	aborted := startedTxn(t, m)
	aborted.OnCommit(record)
	if _, err := aborted.Stop(ctx, errors.New("exec failed")); err != nil {
		t.Fatalf("stop: %v", err)
	}

	committed := startedTxn(t, m)
	committed.OnCommit(record)
	c, err := committed.Stop(ctx, nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != c || c.Store != "ost0" || c.Seq != m.LastSeq() {
		t.Fatalf("unexpected commits %+v (stop returned %+v)", seen, c)
	}

	failing := startedTxn(t, m)
	failing.OnCommit(func(context.Context, Commit) error { return errors.New("log full") })
	if _, err := failing.Stop(ctx, nil); err == nil {
		t.Fatalf("expected callback error to surface")
	}
}

func TestMemoryOpenBlocksAtLimit(t *testing.T) {
	m := NewMemory(MemoryConfig{MaxOpenTxns: 1})
	first, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected open to block until deadline, got %v", err)
	}
	if _, err := first.Stop(context.Background(), nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	second, err := m.Open(context.Background())
	if err != nil {
		t.Fatalf("open after release: %v", err)
	}
	_, _ = second.Stop(context.Background(), nil)
}

func TestMemoryRestoreAndRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	if err := m.Seed(testFile, update.Attr{Mode: update.ModeRegular}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	txn := startedTxn(t, m)
	obj := resolve(t, m, testFile)
	snap, err := txn.Snapshot(ctx, obj)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := txn.Destroy(ctx, obj); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := txn.Restore(ctx, obj, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := txn.Destroy(ctx, obj); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := txn.Stop(ctx, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	obj.Release()
	if _, ok := m.Get(testFile); ok {
		t.Fatalf("expected object gone")
	}
	if len(m.Objects()) != 0 {
		t.Fatalf("expected no objects, got %v", m.Objects())
	}
}
