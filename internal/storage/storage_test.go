package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fedlist/internal/model"
)

var ts = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func okRecord(host string, users int64) model.StatsRecord {
	return model.StatsRecord{
		Host:                host,
		VerifiedActivityPub: true,
		Software:            &model.Software{Name: "mastodon", Version: "4.2.0"},
		UsersTotal:          ptr(users),
		LanguagesDetected:   []string{"en"},
		FetchedAt:           ts,
	}
}

func badRecord(host string) model.StatsRecord {
	return model.StatsRecord{
		Host:              host,
		LanguagesDetected: []string{},
		FetchedAt:         ts,
		FailureReason:     &model.FailureReason{Step: "software", Kind: model.FailTimeout, Message: "deadline exceeded"},
	}
}

// backends runs fn against every Storage implementation.
func backends(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("new file store: %v", err)
		}
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newTestDB(t))
	})
}

func hosts(recs []model.StatsRecord) []string {
	out := []string{}
	for _, r := range recs {
		out = append(out, r.Host)
	}
	return out
}

func partitionHosts(t *testing.T, s Storage) (ok, bad []string) {
	t.Helper()
	ctx := context.Background()
	okRecs, err := s.List(ctx, model.PartitionOK)
	if err != nil {
		t.Fatalf("list ok: %v", err)
	}
	badRecs, err := s.List(ctx, model.PartitionBad)
	if err != nil {
		t.Fatalf("list bad: %v", err)
	}
	return hosts(okRecs), hosts(badRecs)
}

func TestPutMovesBetweenPartitions(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		steps := []struct {
			rec     model.StatsRecord
			want    Change
			wantOK  []string
			wantBad []string
		}{
			{rec: badRecord("b.example"), want: Created, wantOK: []string{}, wantBad: []string{"b.example"}},
			{rec: okRecord("a.example", 10), want: Created, wantOK: []string{"a.example"}, wantBad: []string{"b.example"}},
			{rec: okRecord("B.Example", 5), want: Moved, wantOK: []string{"a.example", "b.example"}, wantBad: []string{}},
			{rec: okRecord("b.example", 5), want: Unchanged, wantOK: []string{"a.example", "b.example"}, wantBad: []string{}},
			{rec: okRecord("b.example", 6), want: Updated, wantOK: []string{"a.example", "b.example"}, wantBad: []string{}},
			{rec: badRecord("a.example"), want: Moved, wantOK: []string{"b.example"}, wantBad: []string{"a.example"}},
		}

		for i, st := range steps {
			got, err := s.Put(ctx, st.rec)
			if err != nil {
				t.Fatalf("step %d: put: %v", i, err)
			}
			if got != st.want {
				t.Errorf("step %d: change = %s, want %s", i, got, st.want)
			}
			ok, bad := partitionHosts(t, s)
			if diff := cmp.Diff(st.wantOK, ok); diff != "" {
				t.Errorf("step %d: ok mismatch (-want +got):\n%s", i, diff)
			}
			if diff := cmp.Diff(st.wantBad, bad); diff != "" {
				t.Errorf("step %d: bad mismatch (-want +got):\n%s", i, diff)
			}
		}
	})
}

func TestPutRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		want := okRecord("example.social", 120)
		want.OpenRegistrations = ptr(true)
		want.UsersActiveMonth = ptr[int64](30)

		if _, err := s.Put(ctx, want); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, part, err := s.Get(ctx, "https://EXAMPLE.social/")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if part != model.PartitionOK {
			t.Errorf("partition = %s, want ok", part)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestGetNotFound(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		_, _, err := s.Get(context.Background(), "missing.example")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestPutRejectsEmptyHost(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		_, err := s.Put(context.Background(), okRecord("", 1))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("err = %v, want ErrInvalidInput", err)
		}
	})
}

func TestPutRedirectedRecord(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		if _, err := s.Put(ctx, badRecord("example.org")); err != nil {
			t.Fatalf("put original: %v", err)
		}

		canon := okRecord("social.example.org", 3)
		canon.RedirectedFrom = "example.org"
		if _, err := s.Put(ctx, canon); err != nil {
			t.Fatalf("put canonical: %v", err)
		}

		ok, bad := partitionHosts(t, s)
		if diff := cmp.Diff([]string{"social.example.org"}, ok); diff != "" {
			t.Errorf("ok mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{}, bad); diff != "" {
			t.Errorf("bad mismatch (-want +got):\n%s", diff)
		}

		aliases, err := s.Aliases(ctx)
		if err != nil {
			t.Fatalf("aliases: %v", err)
		}
		if diff := cmp.Diff(map[string]string{"example.org": "social.example.org"}, aliases); diff != "" {
			t.Errorf("aliases mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestPutAliasRequiresSameZone(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		ctx := context.Background()
		for _, pair := range [][2]string{
			{"example.org", "other.example.net"},
			{"example.org", "https://Example.org/"},
			{"", "www.example.org"},
		} {
			if err := s.PutAlias(ctx, pair[0], pair[1]); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("PutAlias(%q, %q) err = %v, want ErrInvalidInput", pair[0], pair[1], err)
			}
		}
		if err := s.PutAlias(ctx, "Example.org", "www.example.org"); err != nil {
			t.Fatalf("put alias: %v", err)
		}
		aliases, err := s.Aliases(ctx)
		if err != nil {
			t.Fatalf("aliases: %v", err)
		}
		if diff := cmp.Diff(map[string]string{"example.org": "www.example.org"}, aliases); diff != "" {
			t.Errorf("aliases mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRecordRun(t *testing.T) {
	backends(t, func(t *testing.T, s Storage) {
		run := model.Run{ID: "run-1", Command: "collect", StartedAt: ts, FinishedAt: ts.Add(time.Minute), Processed: 3, OK: 2, Bad: 1}
		if err := s.RecordRun(context.Background(), run); err != nil {
			t.Fatalf("record run: %v", err)
		}
	})
}

func TestSnapshot(t *testing.T) {
	redirected := okRecord("social.example.org", 3)
	redirected.RedirectedFrom = "example.org"
	snap := NewSnapshot(
		[]model.StatsRecord{okRecord("b.example", 1), redirected},
		[]model.StatsRecord{badRecord("down.example")},
		map[string]string{"old.example.net": "new.example.net"},
	)

	for _, h := range []string{"b.example", "https://social.example.org", "example.org", "down.example", "old.example.net", "new.example.net"} {
		if !snap.Known(h) {
			t.Errorf("Known(%q) = false", h)
		}
	}
	if snap.Known("fresh.example") {
		t.Error("Known(fresh.example) = true")
	}

	if diff := cmp.Diff([]string{"b.example", "social.example.org"}, snap.Hosts(model.PartitionOK)); diff != "" {
		t.Errorf("ok hosts mismatch (-want +got):\n%s", diff)
	}
	if _, part, ok := snap.Lookup("down.example"); !ok || part != model.PartitionBad {
		t.Errorf("Lookup(down.example) = %s, %v", part, ok)
	}
	if got := snap.Resolve("OLD.example.net"); got != "new.example.net" {
		t.Errorf("Resolve = %q", got)
	}
}
