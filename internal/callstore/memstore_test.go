package callstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemStore_BeginFinishGet(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	if err := s.Begin(ctx, Record{StreamSID: "MZ1", CallSID: "CA1", ConnID: "c1", StartedAt: start}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec, err := s.Get(ctx, "MZ1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Finished() {
		t.Error("record finished before Finish")
	}

	end := start.Add(time.Second)
	if err := s.Finish(ctx, "MZ1", Outcome{EndedAt: end, FramesSent: 30, EndReason: "exhausted"}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	rec, _ = s.Get(ctx, "MZ1")
	if !rec.Finished() || rec.FramesSent != 30 || rec.EndReason != "exhausted" || rec.CallSID != "CA1" {
		t.Errorf("record = %+v", rec)
	}
}

func TestMemStore_NotFound(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	if err := s.Finish(ctx, "nope", Outcome{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Finish error = %v, want ErrNotFound", err)
	}
}

func TestMemStore_RecentAndEviction(t *testing.T) {
	s := NewMemStore(3)
	ctx := context.Background()
	for i := range 5 {
		_ = s.Begin(ctx, Record{StreamSID: fmt.Sprintf("MZ%d", i)})
	}

	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if _, err := s.Get(ctx, "MZ0"); !errors.Is(err, ErrNotFound) {
		t.Error("oldest record was not evicted")
	}

	tests := []struct {
		limit int
		want  []string
	}{
		{0, []string{"MZ4", "MZ3", "MZ2"}},
		{2, []string{"MZ4", "MZ3"}},
		{10, []string{"MZ4", "MZ3", "MZ2"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit=%d", tt.limit), func(t *testing.T) {
			recs, err := s.Recent(ctx, tt.limit)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(recs), len(tt.want))
			}
			for i, sid := range tt.want {
				if recs[i].StreamSID != sid {
					t.Errorf("recs[%d] = %q, want %q", i, recs[i].StreamSID, sid)
				}
			}
		})
	}
}

func TestMemStore_BeginReplacesExisting(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	_ = s.Begin(ctx, Record{StreamSID: "MZ1", ConnID: "a"})
	_ = s.Begin(ctx, Record{StreamSID: "MZ2"})
	_ = s.Begin(ctx, Record{StreamSID: "MZ1", ConnID: "b"})

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	recs, _ := s.Recent(ctx, 0)
	if recs[0].StreamSID != "MZ1" || recs[0].ConnID != "b" {
		t.Errorf("newest = %+v, want MZ1 from conn b", recs[0])
	}
}
