package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

// testPort runs the behaviour every Port implementation must share.
// Keys are namespaced per run so shared backends do not see each other's data.
func testPort(t *testing.T, newPort func(t *testing.T) Port) {
	t.Helper()

	ns := func() string { return "t-" + uuid.NewString() + ":" }

	t.Run("GetMissing", func(t *testing.T) {
		p := newPort(t)
		_, err := p.Get(context.Background(), ns()+"missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateOnce", func(t *testing.T) {
		p := newPort(t)
		ctx := context.Background()
		key := ns() + "workflow:a"

		ok, err := p.PutIfVersion(ctx, key, []byte(`{"n":1}`), NoVersion)
		if err != nil || !ok {
			t.Fatalf("create failed: ok=%v err=%v", ok, err)
		}
		ok, err = p.PutIfVersion(ctx, key, []byte(`{"n":2}`), NoVersion)
		if err != nil {
			t.Fatalf("second create returned error: %v", err)
		}
		if ok {
			t.Fatalf("second create must not overwrite an existing record")
		}

		rec, err := p.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Version != 0 {
			t.Fatalf("expected version 0 after create, got %d", rec.Version)
		}
		if string(rec.Data) != `{"n":1}` {
			t.Fatalf("unexpected data %q", rec.Data)
		}
		if rec.Key != key {
			t.Fatalf("expected key %q, got %q", key, rec.Key)
		}
	})

	t.Run("ConditionalUpdate", func(t *testing.T) {
		p := newPort(t)
		ctx := context.Background()
		key := ns() + "workflow:b"

		if ok, err := p.PutIfVersion(ctx, key, []byte("v0"), NoVersion); err != nil || !ok {
			t.Fatalf("create failed: ok=%v err=%v", ok, err)
		}
		if ok, err := p.PutIfVersion(ctx, key, []byte("v1"), 0); err != nil || !ok {
			t.Fatalf("update failed: ok=%v err=%v", ok, err)
		}
		ok, err := p.PutIfVersion(ctx, key, []byte("stale"), 0)
		if err != nil {
			t.Fatalf("stale update returned error: %v", err)
		}
		if ok {
			t.Fatalf("stale update must be rejected")
		}

		rec, err := p.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Version != 1 || string(rec.Data) != "v1" {
			t.Fatalf("expected version 1 with v1, got %d with %q", rec.Version, rec.Data)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		p := newPort(t)
		ok, err := p.PutIfVersion(context.Background(), ns()+"nope", []byte("x"), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatalf("update of a missing record must be rejected")
		}
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		p := newPort(t)
		ctx := context.Background()
		key := ns() + "workflow:race"

		if ok, err := p.PutIfVersion(ctx, key, []byte("v0"), NoVersion); err != nil || !ok {
			t.Fatalf("create failed: ok=%v err=%v", ok, err)
		}

		const writers = 8
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := p.PutIfVersion(ctx, key, []byte(fmt.Sprintf("w%d", i)), 0)
				if err != nil {
					t.Errorf("writer %d: %v", i, err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Fatalf("expected exactly one winning writer, got %d", got)
		}
		rec, err := p.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec.Version != 1 {
			t.Fatalf("expected version 1, got %d", rec.Version)
		}
	})

	t.Run("AppendEntries", func(t *testing.T) {
		p := newPort(t)
		ctx := context.Background()
		logKey := ns() + "handoff:a"

		entries, err := p.Entries(ctx, logKey)
		if err != nil {
			t.Fatalf("Entries on empty log failed: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected empty log, got %d entries", len(entries))
		}

		for _, e := range []string{"first", "second", "third"} {
			if err := p.Append(ctx, logKey, []byte(e)); err != nil {
				t.Fatalf("Append(%s) failed: %v", e, err)
			}
		}

		entries, err = p.Entries(ctx, logKey)
		if err != nil {
			t.Fatalf("Entries failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		for i, want := range []string{"first", "second", "third"} {
			if string(entries[i]) != want {
				t.Fatalf("entry %d: expected %q, got %q", i, want, entries[i])
			}
		}
	})

	t.Run("ScanByPrefix", func(t *testing.T) {
		p := newPort(t)
		sc, ok := p.(Scanner)
		if !ok {
			t.Skip("port does not implement Scanner")
		}
		ctx := context.Background()
		space := ns()

		for _, k := range []string{"workflow:b", "workflow:a", "lock:a"} {
			if ok, err := p.PutIfVersion(ctx, space+k, []byte(k), NoVersion); err != nil || !ok {
				t.Fatalf("create %s failed: ok=%v err=%v", k, ok, err)
			}
		}

		recs, err := sc.Scan(ctx, space+"workflow:")
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("expected 2 records, got %d", len(recs))
		}
		if recs[0].Key != space+"workflow:a" || recs[1].Key != space+"workflow:b" {
			t.Fatalf("unexpected scan order: %q, %q", recs[0].Key, recs[1].Key)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		p := newPort(t)
		d, ok := p.(Deleter)
		if !ok {
			t.Skip("port does not implement Deleter")
		}
		ctx := context.Background()
		key := ns() + "workflow:gone"

		if ok, err := p.PutIfVersion(ctx, key, []byte("x"), NoVersion); err != nil || !ok {
			t.Fatalf("create failed: ok=%v err=%v", ok, err)
		}
		if err := p.Append(ctx, key, []byte("e")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		if err := d.Delete(ctx, key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := d.Delete(ctx, key); err != nil {
			t.Fatalf("second Delete failed: %v", err)
		}

		if _, err := p.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		entries, err := p.Entries(ctx, key)
		if err != nil {
			t.Fatalf("Entries failed: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected log to be removed, got %d entries", len(entries))
		}

		// The key can be created again from scratch.
		if ok, err := p.PutIfVersion(ctx, key, []byte("y"), NoVersion); err != nil || !ok {
			t.Fatalf("re-create failed: ok=%v err=%v", ok, err)
		}
	})
}
