package md5cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "md5cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testEntry(workspace int64, bucket, key string) Entry {
	return Entry{
		WorkspaceID: workspace,
		Bucket:      bucket,
		Key:         key,
		MD5:         "5eb63bbbe01eeed093cb22bb8f5acdc3",
		Size:        11,
		RemoteID:    "42",
	}
}

func TestUpsertAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Upsert(ctx, testEntry(1, "bucket", "key")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := c.Get(ctx, 1, "bucket", "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MD5 != "5eb63bbbe01eeed093cb22bb8f5acdc3" || got.Size != 11 || got.RemoteID != "42" {
		t.Fatalf("entry: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}
}

func TestUpsertOverwrites(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	c.Upsert(ctx, testEntry(1, "bucket", "key"))

	updated := testEntry(1, "bucket", "key")
	updated.MD5 = "0cc175b9c0f1b6a831c399e269772661"
	updated.Size = 1
	if err := c.Upsert(ctx, updated); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := c.Get(ctx, 1, "bucket", "key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MD5 != updated.MD5 || got.Size != 1 {
		t.Fatalf("overwrite: %+v", got)
	}
}

func TestGetMissingIsErrNotFound(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.Get(context.Background(), 1, "bucket", "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkspaceScoping(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	c.Upsert(ctx, testEntry(1, "bucket", "key"))
	c.Upsert(ctx, testEntry(2, "bucket", "key"))

	if _, err := c.Get(ctx, 1, "bucket", "key"); err != nil {
		t.Fatalf("workspace 1: %v", err)
	}
	if err := c.Delete(ctx, 1, "bucket", "key"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, 1, "bucket", "key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("workspace 1 after delete: %v", err)
	}
	if _, err := c.Get(ctx, 2, "bucket", "key"); err != nil {
		t.Fatalf("workspace 2 must survive: %v", err)
	}
}

func TestDeleteBucketAndWorkspace(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	c.Upsert(ctx, testEntry(1, "b1", "k1"))
	c.Upsert(ctx, testEntry(1, "b1", "k2"))
	c.Upsert(ctx, testEntry(1, "b2", "k1"))

	n, err := c.DeleteBucket(ctx, 1, "b1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteBucket: n=%d err=%v", n, err)
	}
	n, err = c.DeleteWorkspace(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("DeleteWorkspace: n=%d err=%v", n, err)
	}
}

func TestListBucketPagination(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		c.Upsert(ctx, testEntry(1, "bucket", key))
	}

	page, err := c.ListBucket(ctx, 1, "bucket", "", 2)
	if err != nil {
		t.Fatalf("ListBucket: %v", err)
	}
	if len(page) != 2 || page[0].Key != "a" || page[1].Key != "b" {
		t.Fatalf("page 1: %+v", page)
	}
	page, err = c.ListBucket(ctx, 1, "bucket", "b", 2)
	if err != nil {
		t.Fatalf("ListBucket page 2: %v", err)
	}
	if len(page) != 1 || page[0].Key != "c" {
		t.Fatalf("page 2: %+v", page)
	}
}

func TestAggregateStats(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	c.Upsert(ctx, testEntry(1, "bucket", "k1"))
	c.Upsert(ctx, testEntry(2, "bucket", "k2"))

	stats, err := c.AggregateStats(ctx, -1)
	if err != nil {
		t.Fatalf("AggregateStats: %v", err)
	}
	if stats.Entries != 2 || stats.TotalSize != 22 {
		t.Fatalf("stats: %+v", stats)
	}
	if stats.Oldest.IsZero() || stats.Newest.Before(stats.Oldest) {
		t.Fatalf("timestamps: %+v", stats)
	}

	scoped, err := c.AggregateStats(ctx, 1)
	if err != nil {
		t.Fatalf("AggregateStats scoped: %v", err)
	}
	if scoped.Entries != 1 || scoped.TotalSize != 11 {
		t.Fatalf("scoped stats: %+v", scoped)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "md5cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := c.Upsert(ctx, testEntry(1, "bucket", "key")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	if _, err := c2.Get(ctx, 1, "bucket", "key"); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
}

func TestCacheFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "md5cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode: %v", info.Mode().Perm())
	}
}

func TestVacuumReportsSizes(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		entry := testEntry(1, "bucket", "key"+string(rune('a'+i%26))+string(rune('a'+i/26)))
		c.Upsert(ctx, entry)
	}
	c.DeleteWorkspace(ctx, 1)

	before, after, err := c.Vacuum(ctx)
	if err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	if before <= 0 || after <= 0 {
		t.Fatalf("sizes: before=%d after=%d", before, after)
	}
}

func TestUpsertRequiresCoreFields(t *testing.T) {
	c := newTestCache(t)
	bad := testEntry(1, "bucket", "key")
	bad.MD5 = ""
	if err := c.Upsert(context.Background(), bad); err == nil {
		t.Fatalf("expected error for empty md5")
	}
}
