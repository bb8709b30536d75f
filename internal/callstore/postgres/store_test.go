package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/internal/callstore"
	"github.com/MrWong99/callbridge/internal/callstore/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CALLBRIDGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLBRIDGE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store over a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS call_sessions CASCADE"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_BeginFinishGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.Begin(ctx, callstore.Record{
		StreamSID: "MZ100",
		CallSID:   "CA100",
		ConnID:    "conn-1",
		StartedAt: started,
	}); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	rec, err := store.Get(ctx, "MZ100")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Finished() {
		t.Error("record finished before Finish was called")
	}
	if rec.CallSID != "CA100" || !rec.StartedAt.Equal(started) {
		t.Errorf("record = %+v", rec)
	}

	ended := started.Add(600 * time.Millisecond)
	if err := store.Finish(ctx, "MZ100", callstore.Outcome{EndedAt: ended, FramesSent: 30, EndReason: "exhausted"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	rec, err = store.Get(ctx, "MZ100")
	if err != nil {
		t.Fatalf("Get after Finish: %v", err)
	}
	if !rec.EndedAt.Equal(ended) || rec.FramesSent != 30 || rec.EndReason != "exhausted" {
		t.Errorf("finished record = %+v", rec)
	}
}

func TestStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, callstore.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if err := store.Finish(ctx, "missing", callstore.Outcome{EndedAt: time.Now()}); !errors.Is(err, callstore.ErrNotFound) {
		t.Errorf("Finish error = %v, want ErrNotFound", err)
	}
}

func TestStore_RecentNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := range 5 {
		if err := store.Begin(ctx, callstore.Record{
			StreamSID: fmt.Sprintf("MZ%d", i),
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
	}

	recs, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"MZ4", "MZ3", "MZ2"}
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, sid := range want {
		if recs[i].StreamSID != sid {
			t.Errorf("recs[%d] = %q, want %q", i, recs[i].StreamSID, sid)
		}
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
