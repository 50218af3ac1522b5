package prefstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prefs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, KeyLastFocusedThread, "t-42"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.GetString(ctx, KeyLastFocusedThread)
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if got != "t-42" {
		t.Fatalf("got %q", got)
	}

	// 覆盖写。
	if err := s.Set(ctx, KeyLastFocusedThread, "t-43"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, _ = s.GetString(ctx, KeyLastFocusedThread)
	if got != "t-43" {
		t.Fatalf("after overwrite got %q", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)
	value, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if value != nil {
		t.Fatalf("value = %v, want nil", value)
	}
}

func TestGetAllAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "b", map[string]any{"x": true}); err != nil {
		t.Fatal(err)
	}

	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 || all["a"] != "1" {
		t.Fatalf("all = %v", all)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, _ = s.GetAll(ctx)
	if len(all) != 1 {
		t.Fatalf("after delete all = %v", all)
	}
	// 删不存在的键不报错。
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
