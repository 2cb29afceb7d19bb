package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "feedbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	if err := st.Put(ctx, "dedup/f1/a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := st.Get(ctx, "dedup/f1/a")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(v) != "1" {
		t.Fatalf("Get value = %q, want %q", v, "1")
	}

	if err := st.Delete(ctx, "dedup/f1/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "dedup/f1/a"); ok {
		t.Fatal("key still present after Delete")
	}
}

func TestFileStoreScanPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	for _, k := range []string{"ledger/d1/x", "ledger/d1/y", "ledger/d2/z", "dedup/f1/a"} {
		if err := st.Put(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	var got []string
	err := st.ScanPrefix(ctx, "ledger/d1/", func(k string, _ []byte) error {
		got = append(got, k)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(got) != 2 || got[0] != "ledger/d1/x" || got[1] != "ledger/d1/y" {
		t.Fatalf("ScanPrefix keys = %v", got)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir)
	if err := st.Put(ctx, "dedup/f1/a", []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Put(ctx, "dedup/f1/b", []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := st.Delete(ctx, "dedup/f1/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2 := openTestStore(t, dir)
	defer st2.Close()
	if _, ok, _ := st2.Get(ctx, "dedup/f1/a"); ok {
		t.Fatal("deleted key resurrected after reopen")
	}
	v, ok, err := st2.Get(ctx, "dedup/f1/b")
	if err != nil || !ok || string(v) != "2" {
		t.Fatalf("Get after reopen: v=%q ok=%v err=%v", v, ok, err)
	}
}
