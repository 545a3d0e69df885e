package strategy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAuthSelectors_WithDefaults(t *testing.T) {
	s := AuthSelectors{}.withDefaults()
	if s.Username == "" || s.Password == "" || s.Submit == "" {
		t.Errorf("withDefaults left a selector empty: %+v", s)
	}
	custom := AuthSelectors{Username: "#u"}.withDefaults()
	if custom.Username != "#u" {
		t.Errorf("withDefaults overwrote an explicit selector: %+v", custom)
	}
}

func TestSanitizeName(t *testing.T) {
	got := sanitizeName(`div[data-id="x"] > span`)
	if got != "div_data-id_x_span" {
		t.Errorf("sanitizeName = %q", got)
	}
}

func TestVerifyFile_SizeBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := verifyFile(path, DownloadConfig{MinSize: 100, MaxSize: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if result["valid"] != false {
		t.Errorf("expected invalid for undersized file, got %+v", result)
	}

	result, err = verifyFile(path, DownloadConfig{MaxSize: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if result["valid"] != true {
		t.Errorf("expected valid file, got %+v", result)
	}
}

func TestVerifyFile_SHA256Mismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := verifyFile(path, DownloadConfig{MaxSize: 1000, ExpectedSHA256: "deadbeef"})
	if err != nil {
		t.Fatal(err)
	}
	if result["valid"] != false || result["error"] != "sha256 mismatch" {
		t.Errorf("expected sha256 mismatch, got %+v", result)
	}
}

func TestDiffPNG_DetectsChange(t *testing.T) {
	dir := t.TempDir()
	metrics, diffPath, err := diffPNG([]byte{1, 2, 3}, []byte{1, 9, 3}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if metrics["changed"] != true {
		t.Errorf("expected changed=true, got %+v", metrics)
	}
	if _, err := os.Stat(diffPath); err != nil {
		t.Errorf("diff summary not written: %v", err)
	}
}

func TestDiffPNG_NoChange(t *testing.T) {
	dir := t.TempDir()
	metrics, _, err := diffPNG([]byte{1, 2, 3}, []byte{1, 2, 3}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if metrics["changed"] != false {
		t.Errorf("expected changed=false, got %+v", metrics)
	}
}

func TestDetectMIME_FallsBackToExtension(t *testing.T) {
	got := detectMIME("report.pdf", []byte{})
	if got == "" {
		t.Error("expected a non-empty mime type")
	}
}
