package objectstore

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	local, err := NewLocalStore(t.TempDir(), "chunks/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	mem := NewMemStore("chunks")
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{"file": local, "mem": mem}
}

func TestStoreBasicOperations(t *testing.T) {
	ctx := context.Background()

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			p := MustParsePath("1/db/data/2024-01-01T00/0/cpu.parquet")

			if _, err := store.Get(ctx, p); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: got %v, want ErrNotFound", err)
			}

			if err := store.Put(ctx, p, []byte("v1")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			// Data files are overwrite-or-create.
			if err := store.Put(ctx, p, []byte("v2")); err != nil {
				t.Fatalf("second Put failed: %v", err)
			}

			data, err := store.Get(ctx, p)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(data) != "v2" {
				t.Errorf("Get = %q, want v2", data)
			}

			exists, err := store.Exists(ctx, p)
			if err != nil || !exists {
				t.Fatalf("Exists = %v, %v", exists, err)
			}

			if err := store.Delete(ctx, p); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := store.Delete(ctx, p); err != nil {
				t.Fatalf("Delete of missing object should succeed, got %v", err)
			}
			exists, _ = store.Exists(ctx, p)
			if exists {
				t.Error("object still exists after delete")
			}
		})
	}
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			keys := []string{
				"1/db/transactions/00000000000000000000.txn",
				"1/db/transactions/00000000000000000001.txn",
				"1/db/checkpoints/00000000000000000001.ckpt",
				"1/other/transactions/00000000000000000000.txn",
			}
			for _, k := range keys {
				if err := store.Put(ctx, MustParsePath(k), []byte(k)); err != nil {
					t.Fatalf("Put %s: %v", k, err)
				}
			}

			got, err := store.List(ctx, NewDir("1", "db", "transactions"))
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("List returned %d paths, want 2: %v", len(got), got)
			}
			for _, p := range got {
				if !p.HasPrefix(NewDir("1", "db", "transactions")) {
					t.Errorf("unexpected path %s", p)
				}
			}
		})
	}
}

func TestCreateIfAbsent(t *testing.T) {
	ctx := context.Background()

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			p := MustParsePath("1/db/transactions/00000000000000000000.txn")

			if err := store.CreateIfAbsent(ctx, p, []byte("first")); err != nil {
				t.Fatalf("first CreateIfAbsent failed: %v", err)
			}
			err := store.CreateIfAbsent(ctx, p, []byte("second"))
			if !errors.Is(err, ErrAlreadyExists) {
				t.Fatalf("second CreateIfAbsent: got %v, want ErrAlreadyExists", err)
			}

			data, err := store.Get(ctx, p)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(data) != "first" {
				t.Errorf("object was overwritten: %q", data)
			}
		})
	}
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore("")
	defer store.Close()

	p := MustParsePath("txn/00000000000000000005.txn")

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CreateIfAbsent(ctx, p, []byte("x"))
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestCreateIfAbsentAcrossHandles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// Each handle stands in for a separate process sharing the directory.
	const writers = 8
	stores := make([]*BlobStore, writers)
	for i := range stores {
		s, err := NewLocalStore(dir, "chunks/")
		if err != nil {
			t.Fatalf("NewLocalStore failed: %v", err)
		}
		defer s.Close()
		stores[i] = s
	}

	p := MustParsePath("1/db/transactions/00000000000000000007.txn")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int
	)
	for i, s := range stores {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateIfAbsent(ctx, p, []byte{byte('a' + i)})
			if err == nil {
				mu.Lock()
				winners = append(winners, i)
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("handle %d: unexpected error: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly 1", winners)
	}

	// Every handle reads the winner's bytes.
	want := string([]byte{byte('a' + winners[0])})
	for i, s := range stores {
		data, err := s.Get(ctx, p)
		if err != nil {
			t.Fatalf("handle %d Get failed: %v", i, err)
		}
		if string(data) != want {
			t.Errorf("handle %d read %q, want %q", i, data, want)
		}
	}

	// Temp files stay outside the key space.
	paths, err := stores[0].List(ctx, NewDir("1", "db", "transactions"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(paths) != 1 {
		t.Errorf("List = %v, want the one transaction", paths)
	}
}

func TestCreateIfAbsentRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	defer store.Close()

	for _, file := range []string{"..", "."} {
		p := NewDir("1", "db").WithFile(file)
		if err := store.CreateIfAbsent(context.Background(), p, []byte("x")); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("CreateIfAbsent(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestURI(t *testing.T) {
	store := NewMemStore("telemetry")
	defer store.Close()

	got := store.URI(MustParsePath("a/b.parquet"))
	if got != "mem://telemetry/a/b.parquet" {
		t.Errorf("URI = %q", got)
	}
}

func TestNewBackendSelection(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, Config{Backend: "file"}); err == nil {
		t.Error("expected error for file backend without local_dir")
	}
	if _, err := New(ctx, Config{Backend: "gcs"}); err == nil {
		t.Error("expected error for gcs backend without bucket")
	}
	if _, err := New(ctx, Config{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}

	s, err := New(ctx, Config{Backend: "mem"})
	if err != nil {
		t.Fatalf("mem backend: %v", err)
	}
	s.Close()
}
