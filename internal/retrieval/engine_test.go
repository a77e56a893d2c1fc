package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"pathology-platform/internal/storage/document"
	"pathology-platform/internal/storage/image"
	"pathology-platform/internal/storage/index"
	"pathology-platform/pkg/config"
	"pathology-platform/pkg/log"
)

func newTestEngine(t *testing.T) (*Engine, *image.Store, *document.Store, *index.Manager) {
	t.Helper()
	dir := t.TempDir()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	images, err := image.NewStore(config.ImageStorageConfig{
		Root:         filepath.Join(dir, "images"),
		MetadataRoot: filepath.Join(dir, "images-meta"),
	}, logger)
	if err != nil {
		t.Fatalf("image.NewStore: %v", err)
	}
	docs, err := document.NewStore(config.DocumentStorageConfig{
		Root:      filepath.Join(dir, "docs"),
		IndexRoot: filepath.Join(dir, "docs-index"),
	}, logger)
	if err != nil {
		t.Fatalf("document.NewStore: %v", err)
	}
	idx, err := index.NewManager(config.IndexConfig{Root: filepath.Join(dir, "index")}, nil, logger)
	if err != nil {
		t.Fatalf("index.NewManager: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return NewEngine(images, docs, idx, logger), images, docs, idx
}

func TestEngine_Search_TextAcrossModalities(t *testing.T) {
	ctx := context.Background()
	e, images, docs, _ := newTestEngine(t)

	if _, err := docs.Store(ctx, []byte("invasive carcinoma with clear margins"),
		"Pathology Report", "pathology_report", "txt", nil); err != nil {
		t.Fatalf("doc Store: %v", err)
	}
	if _, err := images.Store(ctx, []byte("img"), "png", map[string]interface{}{
		"diagnosis": "carcinoma",
		"body_part": "breast",
	}); err != nil {
		t.Fatalf("image Store: %v", err)
	}
	if _, err := images.Store(ctx, []byte("img"), "png", map[string]interface{}{
		"diagnosis": "benign",
	}); err != nil {
		t.Fatalf("image Store: %v", err)
	}

	resp, err := e.Search(ctx, &Query{Text: "carcinoma"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("Total: got %d, want 2", resp.Total)
	}
	if resp.ByModality["image"] != 1 || resp.ByModality["document"] != 1 {
		t.Errorf("ByModality: got %v", resp.ByModality)
	}
	if resp.Aggregations["diagnosis"]["carcinoma"] != 1 {
		t.Errorf("Aggregations: got %v", resp.Aggregations)
	}
}

func TestEngine_Search_ModalityFilter(t *testing.T) {
	ctx := context.Background()
	e, images, docs, _ := newTestEngine(t)

	if _, err := docs.Store(ctx, []byte("necrosis present"), "Note", "clinical_note", "txt", nil); err != nil {
		t.Fatalf("doc Store: %v", err)
	}
	if _, err := images.Store(ctx, []byte("img"), "png", map[string]interface{}{"diagnosis": "necrosis"}); err != nil {
		t.Fatalf("image Store: %v", err)
	}

	resp, err := e.Search(ctx, &Query{Text: "necrosis", Modality: "document"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].EntityType != "document" {
		t.Errorf("document-only search: got %+v", resp)
	}

	if _, err := e.Search(ctx, &Query{Modality: "video"}); err == nil {
		t.Error("unknown modality should error")
	}
}

func TestEngine_Search_StructuredFilters(t *testing.T) {
	ctx := context.Background()
	e, images, _, _ := newTestEngine(t)

	for _, grade := range []int{1, 2, 3} {
		if _, err := images.Store(ctx, []byte("img"), "png", map[string]interface{}{
			"grade":     grade,
			"body_part": "breast",
		}); err != nil {
			t.Fatalf("image Store: %v", err)
		}
	}

	resp, err := e.Search(ctx, &Query{
		Modality: "image",
		Filters: map[string]interface{}{
			"grade": map[string]interface{}{"min": 2},
		},
	})
	if err != nil {
		t.Fatalf("Search min: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("min filter: got %d, want 2", resp.Total)
	}

	resp, err = e.Search(ctx, &Query{
		Modality: "image",
		Filters: map[string]interface{}{
			"grade": map[string]interface{}{"min": 2, "max": 2},
		},
	})
	if err != nil {
		t.Fatalf("Search range: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("range filter: got %d, want 1", resp.Total)
	}

	resp, err = e.Search(ctx, &Query{
		Modality: "image",
		Filters: map[string]interface{}{
			"grade": map[string]interface{}{"in": []interface{}{1, 3}},
		},
	})
	if err != nil {
		t.Fatalf("Search in: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("in filter: got %d, want 2", resp.Total)
	}

	resp, err = e.Search(ctx, &Query{
		Modality: "image",
		Filters:  map[string]interface{}{"body_part": "lung"},
	})
	if err != nil {
		t.Fatalf("Search eq: %v", err)
	}
	if resp.Total != 0 {
		t.Errorf("eq filter miss: got %d, want 0", resp.Total)
	}
}

func TestEngine_Search_SortByDate(t *testing.T) {
	ctx := context.Background()
	e, images, _, _ := newTestEngine(t)

	first, err := images.Store(ctx, []byte("img"), "png", nil)
	if err != nil {
		t.Fatalf("image Store: %v", err)
	}
	second, err := images.Store(ctx, []byte("img"), "png", nil)
	if err != nil {
		t.Fatalf("image Store: %v", err)
	}

	resp, err := e.Search(ctx, &Query{Modality: "image", SortBy: "date"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results", len(resp.Results))
	}
	if resp.Results[0].CreatedAt.Before(resp.Results[1].CreatedAt) {
		t.Errorf("date sort should be newest first: %s then %s",
			resp.Results[0].EntityID, resp.Results[1].EntityID)
	}
	_ = first
	_ = second
}

func TestEngine_PatientStudyAndRelated(t *testing.T) {
	ctx := context.Background()
	e, _, _, idx := newTestEngine(t)

	if err := idx.Create(ctx, "image", "img-1", map[string]interface{}{"patient_id": "P001", "study_id": "S001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Create(ctx, "document", "doc-1", map[string]interface{}{"patient_id": "P001"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	byPat, err := e.SearchByPatient(ctx, "P001")
	if err != nil {
		t.Fatalf("SearchByPatient: %v", err)
	}
	if len(byPat) != 2 {
		t.Errorf("by patient: got %d, want 2", len(byPat))
	}

	byStudy, err := e.SearchByStudy(ctx, "S001")
	if err != nil {
		t.Fatalf("SearchByStudy: %v", err)
	}
	if len(byStudy) != 1 || byStudy[0].EntityID != "img-1" {
		t.Errorf("by study: got %v", byStudy)
	}

	related, err := e.RelatedEntities(ctx, "img-1")
	if err != nil {
		t.Fatalf("RelatedEntities: %v", err)
	}
	if len(related) != 1 || related[0].EntityID != "doc-1" {
		t.Errorf("related: got %v", related)
	}
}

func TestEngine_Search_PerModalityLimit(t *testing.T) {
	ctx := context.Background()
	e, images, docs, _ := newTestEngine(t)

	for i := 0; i < 2; i++ {
		if _, err := docs.Store(ctx, []byte("carcinoma noted in sample"),
			"Report", "pathology_report", "txt", nil); err != nil {
			t.Fatalf("doc Store: %v", err)
		}
		if _, err := images.Store(ctx, []byte("img"), "png", map[string]interface{}{
			"diagnosis": "carcinoma",
		}); err != nil {
			t.Fatalf("image Store: %v", err)
		}
	}

	resp, err := e.Search(ctx, &Query{Text: "carcinoma", Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// 名额按模态各自计算，文档多不应挤掉图像
	if resp.ByModality["image"] != 1 || resp.ByModality["document"] != 1 {
		t.Errorf("per-modality limit: got %v", resp.ByModality)
	}
	if len(resp.Results) != 2 || resp.Total != 2 {
		t.Errorf("results: got %d (total %d), want 2", len(resp.Results), resp.Total)
	}
}

func TestEngine_SimilarEntities_IdentifierFirst(t *testing.T) {
	ctx := context.Background()
	e, _, _, idx := newTestEngine(t)

	if err := idx.Create(ctx, "image", "img-1", map[string]interface{}{
		"patient_id": "P001", "diagnosis": "carcinoma", "body_part": "breast", "tissue_type": "ductal",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 同患者，描述字段几乎不重合
	if err := idx.Create(ctx, "document", "doc-1", map[string]interface{}{
		"patient_id": "P001", "diagnosis": "benign",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 不同患者，描述字段全部重合
	if err := idx.Create(ctx, "image", "img-2", map[string]interface{}{
		"patient_id": "P999", "diagnosis": "carcinoma", "body_part": "breast", "tissue_type": "ductal",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	similar, err := e.SimilarEntities(ctx, "img-1", 10)
	if err != nil {
		t.Fatalf("SimilarEntities: %v", err)
	}
	if len(similar) != 1 || similar[0].EntityID != "doc-1" {
		t.Fatalf("identifier match should win over descriptive overlap: got %+v", similar)
	}
}

func TestEngine_SimilarEntities(t *testing.T) {
	ctx := context.Background()
	e, _, _, idx := newTestEngine(t)

	if err := idx.Create(ctx, "image", "img-1", map[string]interface{}{
		"diagnosis": "carcinoma", "body_part": "breast", "image_type": "WSI",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Create(ctx, "image", "img-2", map[string]interface{}{
		"diagnosis": "carcinoma", "body_part": "breast",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Create(ctx, "image", "img-3", map[string]interface{}{
		"diagnosis": "carcinoma",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Create(ctx, "image", "img-4", map[string]interface{}{
		"diagnosis": "benign",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	similar, err := e.SimilarEntities(ctx, "img-1", 2)
	if err != nil {
		t.Fatalf("SimilarEntities: %v", err)
	}
	if len(similar) != 2 {
		t.Fatalf("got %d similar", len(similar))
	}
	if similar[0].EntityID != "img-2" {
		t.Errorf("closest match: got %s", similar[0].EntityID)
	}
	if similar[0].Score <= similar[1].Score {
		t.Errorf("scores should be descending: %f then %f", similar[0].Score, similar[1].Score)
	}
}
