package artifact

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKind_Extension(t *testing.T) {
	cases := map[Kind]string{
		KindFullPagePNG: "png",
		KindViewportPNG: "png",
		KindDOM:         "html",
		KindCookies:     "json",
		KindStorage:     "json",
		KindHAR:         "json",
		KindConsole:     "json",
	}
	for kind, want := range cases {
		if got := kind.extension(); got != want {
			t.Errorf("%s.extension() = %q, want %q", kind, got, want)
		}
	}
}

func TestSHA256Hex(t *testing.T) {
	got := sha256Hex([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("sha256Hex(\"hello\") = %q, want %q", got, want)
	}
}

func TestCapture_MkdirFailureReportsPerKind(t *testing.T) {
	// Root pointed at a file (not a dir) makes MkdirAll fail.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(filepath.Join(blocker, "nested"))
	results := c.Capture(nil, "job-1", nil, []Kind{KindDOM, KindCookies}, nil, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Error == "" {
			t.Errorf("expected error for kind %s when root is unwritable", r.Kind)
		}
	}
}

func TestCapture_MissingHARAndConsoleReportError(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	results := c.Capture(nil, "job-2", nil, []Kind{KindHAR, KindConsole}, nil, nil)
	for _, r := range results {
		if r.Error == "" {
			t.Errorf("expected error for kind %s with no supplied data", r.Kind)
		}
	}
}

func TestNewRecorder_StartsEmpty(t *testing.T) {
	r := NewRecorder()
	raw, err := r.JSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "[]" && string(raw) != "null" {
		t.Errorf("expected empty recorder JSON, got %s", raw)
	}
}
