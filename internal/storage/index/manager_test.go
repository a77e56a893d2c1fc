package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"pathology-platform/pkg/config"
	pkgerrors "pathology-platform/pkg/errors"
	"pathology-platform/pkg/log"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	m, err := NewManager(config.IndexConfig{Root: dir}, nil, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, dir
}

func TestManager_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	err := m.Create(ctx, "image", "img-1", map[string]interface{}{
		"patient_id": "P001",
		"study_id":   "S001",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	entry, err := m.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.EntityType != "image" {
		t.Errorf("EntityType: got %q", entry.EntityType)
	}

	// 第二次读走缓存，结果一致
	again, err := m.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get cached: %v", err)
	}
	if again.EntityID != "img-1" {
		t.Errorf("cached EntityID: got %q", again.EntityID)
	}
}

func TestManager_Create_Duplicate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if err := m.Create(ctx, "image", "img-1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, "image", "img-1", nil); !errors.Is(err, pkgerrors.ErrInvalidArg) {
		t.Errorf("duplicate Create: want ErrInvalidArg, got %v", err)
	}
}

func TestManager_Update_MovesPatientReference(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if err := m.Create(ctx, "image", "img-1", map[string]interface{}{"patient_id": "P001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := m.Update(ctx, "img-1", map[string]interface{}{"patient_id": "P002"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	old, err := m.SearchByPatient(ctx, "P001")
	if err != nil {
		t.Fatalf("SearchByPatient P001: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("P001 should have no entities, got %d", len(old))
	}
	moved, err := m.SearchByPatient(ctx, "P002")
	if err != nil {
		t.Fatalf("SearchByPatient P002: %v", err)
	}
	if len(moved) != 1 || moved[0].EntityID != "img-1" {
		t.Errorf("P002 entities: got %v", moved)
	}
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if err := m.Create(ctx, "document", "doc-1", map[string]interface{}{"patient_id": "P001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(ctx, "doc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "doc-1"); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Errorf("Get after Delete: want ErrNotFound, got %v", err)
	}
	byPat, _ := m.SearchByPatient(ctx, "P001")
	if len(byPat) != 0 {
		t.Errorf("patient reference should be gone, got %d", len(byPat))
	}
}

func TestManager_SearchByMetadata(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	seed := []struct {
		typ, id string
		meta    map[string]interface{}
	}{
		{"image", "img-1", map[string]interface{}{"diagnosis": "malignant"}},
		{"image", "img-2", map[string]interface{}{"diagnosis": "benign"}},
		{"document", "doc-1", map[string]interface{}{"diagnosis": "malignant"}},
	}
	for _, s := range seed {
		if err := m.Create(ctx, s.typ, s.id, s.meta); err != nil {
			t.Fatalf("Create %s: %v", s.id, err)
		}
	}

	all, err := m.SearchByMetadata(ctx, "", map[string]interface{}{"diagnosis": "malignant"}, 0)
	if err != nil {
		t.Fatalf("SearchByMetadata: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all types: got %d, want 2", len(all))
	}

	imagesOnly, err := m.SearchByMetadata(ctx, "image", map[string]interface{}{"diagnosis": "malignant"}, 0)
	if err != nil {
		t.Fatalf("SearchByMetadata typed: %v", err)
	}
	if len(imagesOnly) != 1 || imagesOnly[0].EntityID != "img-1" {
		t.Errorf("typed search: got %v", imagesOnly)
	}
}

func TestManager_RelatedEntities(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if err := m.Create(ctx, "image", "img-1", map[string]interface{}{"patient_id": "P001", "study_id": "S001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, "document", "doc-1", map[string]interface{}{"patient_id": "P001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, "image", "img-2", map[string]interface{}{"study_id": "S001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, "image", "img-3", map[string]interface{}{"patient_id": "P999"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	related, err := m.RelatedEntities(ctx, "img-1")
	if err != nil {
		t.Fatalf("RelatedEntities: %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("related: got %d, want 2", len(related))
	}
	for _, e := range related {
		if e.EntityID == "img-1" || e.EntityID == "img-3" {
			t.Errorf("unexpected related entity %s", e.EntityID)
		}
	}
}

func TestManager_PersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	m, dir := newTestManager(t)
	if err := m.Create(ctx, "image", "img-1", map[string]interface{}{"patient_id": "P001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	logger, _ := log.NewLogger(nil)
	reopened, err := NewManager(config.IndexConfig{Root: dir}, nil, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if entry.EntityType != "image" {
		t.Errorf("EntityType after reopen: got %q", entry.EntityType)
	}
	byPat, _ := reopened.SearchByPatient(ctx, "P001")
	if len(byPat) != 1 {
		t.Errorf("patient index after reopen: got %d", len(byPat))
	}
}

func TestManager_ReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if err := m.Create(ctx, "image", "img-1", map[string]interface{}{"diagnosis": "benign"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := m.Get(ctx, "img-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Metadata["diagnosis"] = "tampered"

	results, err := m.SearchByMetadata(ctx, "image", nil, 0)
	if err != nil {
		t.Fatalf("SearchByMetadata: %v", err)
	}
	if len(results) != 1 || results[0].Metadata["diagnosis"] != "benign" {
		t.Errorf("caller mutation leaked into index: %v", results[0].Metadata)
	}
	results[0].Metadata["diagnosis"] = "tampered again"

	again, err := m.SearchByMetadata(ctx, "image", map[string]interface{}{"diagnosis": "benign"}, 0)
	if err != nil {
		t.Fatalf("SearchByMetadata filtered: %v", err)
	}
	if len(again) != 1 {
		t.Errorf("filter should still match original value, got %d results", len(again))
	}
}

func TestManager_ConcurrentUpdateAndSearch(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if err := m.Create(ctx, "image", "img-1", map[string]interface{}{"diagnosis": "benign"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const rounds = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := m.Update(ctx, "img-1", map[string]interface{}{"grade": fmt.Sprint(i)}); err != nil {
				t.Errorf("Update: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			results, err := m.SearchByMetadata(ctx, "image", nil, 0)
			if err != nil {
				t.Errorf("SearchByMetadata: %v", err)
				return
			}
			for _, e := range results {
				// 序列化会遍历 metadata，与并发更新同跑必须安全
				if _, err := json.Marshal(e.Metadata); err != nil {
					t.Errorf("Marshal: %v", err)
					return
				}
			}
		}
	}()
	wg.Wait()
}

func TestManager_StatsAndRebuild(t *testing.T) {
	ctx := context.Background()
	m, dir := newTestManager(t)
	if err := m.Create(ctx, "image", "img-1", map[string]interface{}{"patient_id": "P001", "study_id": "S001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, "document", "doc-1", map[string]interface{}{"patient_id": "P002"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries != 2 || stats.ByType["image"] != 1 || stats.PatientCount != 2 || stats.StudyCount != 1 {
		t.Errorf("Stats: got %+v", stats)
	}

	if err := m.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	backups, err := filepath.Glob(filepath.Join(dir, "*.bak"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(backups) == 0 {
		t.Error("Rebuild should leave backup files")
	}
	byPat, _ := m.SearchByPatient(ctx, "P001")
	if len(byPat) != 1 {
		t.Errorf("patient index after Rebuild: got %d", len(byPat))
	}
}
