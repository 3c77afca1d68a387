package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fedlist/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFileStoreLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, LegacyFile), `[
		{"host":"Good.Example","verified_activitypub":true,"users_total":5,"fetched_at":"2024-05-01T12:00:00Z"},
		{"host":"down.example","verified_activitypub":false,"fetched_at":"2024-05-01T12:00:00Z"},
		{"host":"","verified_activitypub":true}
	]`)

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, bad := partitionHosts(t, s)
	if diff := cmp.Diff([]string{"good.example"}, ok); diff != "" {
		t.Errorf("ok mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"down.example"}, bad); diff != "" {
		t.Errorf("bad mismatch (-want +got):\n%s", diff)
	}

	if exists(filepath.Join(dir, LegacyFile)) {
		t.Error("legacy file still in place")
	}
	if !exists(filepath.Join(dir, LegacyFile+migratedSuffix)) {
		t.Error("legacy file not retired")
	}
	for _, name := range []string{OKFile, BadFile} {
		if !exists(filepath.Join(dir, name)) {
			t.Errorf("%s not written", name)
		}
	}
}

func TestFileStoreLegacyIgnoredWhenSplitExists(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, LegacyFile), `[{"host":"legacy.example","verified_activitypub":true}]`)
	writeFile(t, filepath.Join(dir, OKFile), `[]`)

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, _ := partitionHosts(t, s)
	if diff := cmp.Diff([]string{}, ok); diff != "" {
		t.Errorf("ok mismatch (-want +got):\n%s", diff)
	}
	if !exists(filepath.Join(dir, LegacyFile)) {
		t.Error("legacy file was touched")
	}
}

func TestFileStoreResumesInterruptedMigration(t *testing.T) {
	dir := t.TempDir()
	// State after a crash between the ok and bad partition writes.
	writeFile(t, filepath.Join(dir, LegacyFile+migratingSuffix), `[
		{"host":"good.example","verified_activitypub":true,"users_total":5,"fetched_at":"2024-05-01T12:00:00Z"},
		{"host":"down.example","verified_activitypub":false,"fetched_at":"2024-05-01T12:00:00Z"}
	]`)
	writeFile(t, filepath.Join(dir, OKFile), `[{"host":"good.example","verified_activitypub":true,"users_total":5,"fetched_at":"2024-05-01T12:00:00Z"}]`)

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, bad := partitionHosts(t, s)
	if diff := cmp.Diff([]string{"good.example"}, ok); diff != "" {
		t.Errorf("ok mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"down.example"}, bad); diff != "" {
		t.Errorf("bad mismatch (-want +got):\n%s", diff)
	}
	if exists(filepath.Join(dir, LegacyFile+migratingSuffix)) {
		t.Error("staged legacy file still in place")
	}
	if !exists(filepath.Join(dir, LegacyFile+migratedSuffix)) {
		t.Error("legacy file not retired")
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	canon := okRecord("social.example.org", 7)
	canon.RedirectedFrom = "example.org"
	for _, r := range []model.StatsRecord{canon, badRecord("down.example")} {
		if _, err := s.Put(ctx, r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, part, err := reopened.Get(ctx, "social.example.org")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if part != model.PartitionOK {
		t.Errorf("partition = %s", part)
	}
	if diff := cmp.Diff(canon, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	aliases, _ := reopened.Aliases(ctx)
	if diff := cmp.Diff(map[string]string{"example.org": "social.example.org"}, aliases); diff != "" {
		t.Errorf("aliases mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreRepairsDuplicateHost(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, OKFile), `[{"host":"dup.example","verified_activitypub":true,"users_total":1,"fetched_at":"2024-05-01T12:00:00Z"}]`)
	writeFile(t, filepath.Join(dir, BadFile), `[{"host":"dup.example","verified_activitypub":false,"fetched_at":"2024-05-02T12:00:00Z","failure_reason":{"step":"nodeinfo","kind":"timeout","message":"x"}}]`)

	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, bad := partitionHosts(t, s)
	if diff := cmp.Diff([]string{}, ok); diff != "" {
		t.Errorf("ok mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"dup.example"}, bad); diff != "" {
		t.Errorf("bad mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreMalformedPartition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, OKFile), `{"host":"not-a-list.example"}`)

	_, err := NewFileStore(dir)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestFileStoreRecordRunAppends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := s.RecordRun(ctx, model.Run{ID: id, Command: "collect", StartedAt: ts, FinishedAt: ts}); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}

	var runs []model.Run
	if err := readJSONFile(filepath.Join(dir, RunsFile), &runs); err != nil {
		t.Fatalf("read runs: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("run ids mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStoreListRuns(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs, want 0", len(runs))
	}

	for i, id := range []string{"old", "new"} {
		start := ts.Add(time.Duration(i) * time.Hour)
		if err := s.RecordRun(ctx, model.Run{ID: id, Command: "collect", StartedAt: start, FinishedAt: start}); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}
	runs, err = s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"new", "old"}, ids); diff != "" {
		t.Errorf("run ids mismatch (-want +got):\n%s", diff)
	}
}
