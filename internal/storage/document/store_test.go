package document

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	s, err := NewStore(config.DocumentStorageConfig{
		Root:      filepath.Join(dir, "docs"),
		IndexRoot: filepath.Join(dir, "index"),
		ChunkSize: 80,
	}, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_StoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	content := []byte("Invasive ductal carcinoma identified in the left breast specimen.")
	meta, err := s.Store(ctx, content, "Pathology Report", "pathology_report", "txt", map[string]interface{}{
		"patient_id": "P001",
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if meta.DocumentID == "" {
		t.Fatal("Store should assign a document id")
	}
	if meta.DocType != "pathology_report" {
		t.Errorf("DocType: got %q", meta.DocType)
	}

	got, gotMeta, err := s.Retrieve(ctx, meta.DocumentID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != string(content) {
		t.Error("Retrieve content mismatch")
	}
	if gotMeta.Title != "Pathology Report" {
		t.Errorf("Title: got %q", gotMeta.Title)
	}
}

func TestStore_UnsupportedFormat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Store(ctx, []byte("x"), "t", "general", "exe", nil)
	if !errors.Is(err, pkgerrors.ErrUnsupportedFormat) {
		t.Errorf("want ErrUnsupportedFormat, got %v", err)
	}
}

func TestStore_DefaultDocType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta, err := s.Store(ctx, []byte("some text"), "t", "", "txt", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if meta.DocType != "general" {
		t.Errorf("DocType: got %q, want general", meta.DocType)
	}
}

func TestStore_Search(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Store(ctx, []byte("carcinoma carcinoma carcinoma margin clear"),
		"Biopsy Result", "pathology_report", "txt", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(ctx, []byte("carcinoma noted once"),
		"Carcinoma Follow-up", "clinical_note", "txt", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(ctx, []byte("benign tissue only"),
		"Benign Report", "pathology_report", "txt", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(ctx, "carcinoma", "", nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search: got %d results, want 2", len(results))
	}
	// 标题命中双倍权重：正文 1 次 + 标题 2 分 = 3，正文 3 次 = 3，降序并列即可
	for _, r := range results {
		if r.Score <= 0 {
			t.Errorf("score should be positive, got %f", r.Score)
		}
	}

	typed, err := s.Search(ctx, "carcinoma", "clinical_note", nil, 0)
	if err != nil {
		t.Fatalf("Search typed: %v", err)
	}
	if len(typed) != 1 || typed[0].Metadata.DocType != "clinical_note" {
		t.Errorf("typed search: got %v", typed)
	}
}

func TestStore_Search_TitleWeight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Store(ctx, []byte("fibrosis observed"), "Plain Note", "general", "txt", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	titled, err := s.Store(ctx, []byte("fibrosis observed"), "Fibrosis Summary", "general", "txt", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(ctx, "fibrosis", "", nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Metadata.DocumentID != titled.DocumentID {
		t.Error("title hit should rank first")
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("title hit should outscore body-only hit: %f vs %f", results[0].Score, results[1].Score)
	}
}

func TestStore_KeywordTopN(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	s, err := NewStore(config.DocumentStorageConfig{
		Root:        filepath.Join(dir, "docs"),
		IndexRoot:   filepath.Join(dir, "index"),
		KeywordTopN: 1,
	}, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	// 词频 necrosis 2 次、granuloma 1 次；TopN=1 时只有 necrosis 进索引
	if _, err := s.Store(ctx, []byte("necrosis necrosis granuloma"), "Slide Note", "general", "txt", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	hit, err := s.Search(ctx, "necrosis", "", nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hit) != 1 {
		t.Errorf("top keyword should match, got %d results", len(hit))
	}
	miss, err := s.Search(ctx, "granuloma", "", nil, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(miss) != 0 {
		t.Errorf("term outside top-n should not match, got %d results", len(miss))
	}
}

func TestStore_UpdateReindexes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	meta, err := s.Store(ctx, []byte("original necrosis text"), "Note", "general", "txt", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Update(ctx, meta.DocumentID, []byte("replacement granuloma text"), map[string]interface{}{
		"title":    "Updated Note",
		"reviewed": true,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	old, err := s.Search(ctx, "necrosis", "", nil, 0)
	if err != nil {
		t.Fatalf("Search old: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("stale term should no longer match, got %d", len(old))
	}
	fresh, err := s.Search(ctx, "granuloma", "", nil, 0)
	if err != nil {
		t.Fatalf("Search fresh: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("fresh term: got %d results", len(fresh))
	}
	if fresh[0].Metadata.Title != "Updated Note" {
		t.Errorf("Title: got %q", fresh[0].Metadata.Title)
	}
	if fresh[0].Metadata.Clinical["reviewed"] != true {
		t.Errorf("Clinical reviewed: got %v", fresh[0].Metadata.Clinical["reviewed"])
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta, err := s.Store(ctx, []byte("to be removed"), "Note", "general", "txt", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Delete(ctx, meta.DocumentID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetMetadata(ctx, meta.DocumentID); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Errorf("GetMetadata after Delete: want ErrNotFound, got %v", err)
	}
	results, err := s.Search(ctx, "removed", "", nil, 0)
	if err != nil {
		t.Fatalf("Search after Delete: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("deleted document should not match, got %d", len(results))
	}
}

func TestStore_ListAndStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Store(ctx, []byte("aaaa"), "A", "pathology_report", "txt", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(ctx, []byte("bb"), "B", "clinical_note", "txt", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	list, err := s.List(ctx, "", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List: got %d, want 2", len(list))
	}

	typed, err := s.List(ctx, "clinical_note", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("List typed: %v", err)
	}
	if len(typed) != 1 {
		t.Errorf("List typed: got %d, want 1", len(typed))
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalCount != 2 {
		t.Errorf("TotalCount: got %d", stats.TotalCount)
	}
	if stats.TotalBytes != 6 {
		t.Errorf("TotalBytes: got %d", stats.TotalBytes)
	}
	if stats.ByType["pathology_report"] != 1 || stats.ByType["clinical_note"] != 1 {
		t.Errorf("ByType: got %v", stats.ByType)
	}
}

func TestChunkText(t *testing.T) {
	text := "First sentence here. Second sentence follows. Third one closes the paragraph."
	chunks := ChunkText(text, 45)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d: %v", len(chunks), chunks)
	}
	for _, c := range chunks {
		if !strings.HasSuffix(c, ".") {
			t.Errorf("chunk should end at sentence boundary: %q", c)
		}
	}
}

func TestStore_Chunk(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := []byte("Specimen received fresh. Sectioned and submitted in total. Margins inked blue. No tumor seen at margins.")
	meta, err := s.Store(ctx, content, "Gross Description", "pathology_report", "txt", nil)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	chunks, err := s.Chunk(ctx, meta.DocumentID)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks for chunkSize 80, got %d", len(chunks))
	}
	joined := strings.Join(chunks, " ")
	if !strings.Contains(joined, "Margins inked blue.") {
		t.Error("chunks should preserve all sentences")
	}
}
