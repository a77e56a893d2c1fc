package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestFileToItem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slide_001.TIFF")
	if err := os.WriteFile(path, []byte("tiff bytes"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	item, err := fileToItem(path, "P001")
	if err != nil {
		t.Fatalf("fileToItem: %v", err)
	}
	if item["format"] != "tiff" {
		t.Errorf("format = %v, want tiff", item["format"])
	}
	if item["title"] != "slide_001" {
		t.Errorf("title = %v, want slide_001", item["title"])
	}
	content, _ := item["content_base64"].(string)
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if string(decoded) != "tiff bytes" {
		t.Errorf("content = %q", decoded)
	}
	meta, _ := item["metadata"].(map[string]interface{})
	if meta["patient_id"] != "P001" {
		t.Errorf("patient_id = %v", meta["patient_id"])
	}
}

func TestFileToItem_NoPatient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	item, err := fileToItem(path, "")
	if err != nil {
		t.Fatalf("fileToItem: %v", err)
	}
	if _, ok := item["metadata"]; ok {
		t.Error("metadata should be absent without patient_id")
	}
}

func TestCollectBatchItems(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.jpg", ".hidden"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	items, err := collectBatchItems(dir, "P002")
	if err != nil {
		t.Fatalf("collectBatchItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 (hidden file and subdir skipped)", len(items))
	}
	formats := map[string]bool{}
	for _, item := range items {
		formats[item["format"].(string)] = true
	}
	if !formats["png"] || !formats["jpg"] {
		t.Errorf("formats = %v", formats)
	}
}

func TestCollectBatchItems_MissingDir(t *testing.T) {
	if _, err := collectBatchItems(filepath.Join(t.TempDir(), "nope"), ""); err == nil {
		t.Error("missing dir should error")
	}
}
