// Package artifact implements the Artifact Capturer (spec §4.8 / C8): a
// best-effort, on-demand capture of evidence for a job — screenshots, HAR,
// console log, DOM, cookies, and web storage — written under a per-job
// directory with a content hash per artifact and a "latest" alias.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Kind is one of the capturable artifact types (spec §4.8).
type Kind string

const (
	KindFullPagePNG Kind = "fullpage_png"
	KindViewportPNG Kind = "viewport_png"
	KindHAR         Kind = "har"
	KindConsole     Kind = "console"
	KindDOM         Kind = "dom"
	KindCookies     Kind = "cookies"
	KindStorage     Kind = "storage"
)

func (k Kind) extension() string {
	switch k {
	case KindFullPagePNG, KindViewportPNG:
		return "png"
	case KindDOM:
		return "html"
	default:
		return "json"
	}
}

// Result reports the outcome of capturing one kind. A failed capture still
// appears in the result set with Error set; it never fails the job.
type Result struct {
	Kind   Kind   `json:"kind"`
	Path   string `json:"path,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Capturer writes artifacts under Root/<job_id>/.
type Capturer struct {
	Root string
}

// New creates a Capturer rooted at root (config.ArtifactsRoot).
func New(root string) *Capturer {
	return &Capturer{Root: root}
}

// Capture takes the requested subset of kinds for jobID, best-effort. HAR
// and console content, if requested, must be supplied by the caller (they
// are accumulated over the page's lifetime by a HAR router or a Recorder,
// not something a single capture call can retroactively reconstruct).
func (c *Capturer) Capture(ctx context.Context, jobID string, page *rod.Page, kinds []Kind, har, console []byte) []Result {
	dir := filepath.Join(c.Root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		results := make([]Result, len(kinds))
		for i, k := range kinds {
			results[i] = Result{Kind: k, Error: err.Error()}
		}
		return results
	}

	now := time.Now().UTC().Format("20060102T150405.000Z")
	results := make([]Result, 0, len(kinds))

	for _, kind := range kinds {
		data, err := c.captureOne(ctx, page, kind, har, console)
		if err != nil {
			results = append(results, Result{Kind: kind, Error: err.Error()})
			continue
		}

		filename := fmt.Sprintf("%s_%s.%s", now, kind, kind.extension())
		path := filepath.Join(dir, filename)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			results = append(results, Result{Kind: kind, Error: err.Error()})
			continue
		}

		sum := sha256Hex(data)
		results = append(results, Result{Kind: kind, Path: path, SHA256: sum})

		c.updateLatest(dir, kind, path)
	}

	return results
}

func (c *Capturer) captureOne(ctx context.Context, page *rod.Page, kind Kind, har, console []byte) ([]byte, error) {
	switch kind {
	case KindFullPagePNG:
		return page.Screenshot(true, nil)
	case KindViewportPNG:
		return page.Screenshot(false, nil)
	case KindDOM:
		html, err := page.HTML()
		if err != nil {
			return nil, err
		}
		return []byte(html), nil
	case KindCookies:
		cookies, err := page.Cookies(nil)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(cookies, "", "  ")
	case KindStorage:
		return captureStorage(page)
	case KindHAR:
		if har == nil {
			return nil, fmt.Errorf("artifact: no HAR data supplied for job")
		}
		return har, nil
	case KindConsole:
		if console == nil {
			return nil, fmt.Errorf("artifact: no console data supplied for job")
		}
		return console, nil
	default:
		return nil, fmt.Errorf("artifact: unknown kind %q", kind)
	}
}

const storageScript = `() => {
	const dump = (storage) => {
		const out = {};
		for (let i = 0; i < storage.length; i++) {
			const key = storage.key(i);
			out[key] = storage.getItem(key);
		}
		return out;
	};
	return { localStorage: dump(window.localStorage), sessionStorage: dump(window.sessionStorage) };
}`

func captureStorage(page *rod.Page) ([]byte, error) {
	obj, err := page.Eval(storageScript)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(obj.Value, "", "  ")
}

// updateLatest points a stable "latest_<kind>.<ext>" name at the artifact
// just written, preferring a symlink and falling back to a copy when
// symlinks aren't permitted on the target filesystem.
func (c *Capturer) updateLatest(dir string, kind Kind, path string) {
	latest := filepath.Join(dir, fmt.Sprintf("latest_%s.%s", kind, kind.extension()))
	_ = os.Remove(latest)

	if err := os.Symlink(filepath.Base(path), latest); err == nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = os.WriteFile(latest, data, 0o644)
}

// Recorder accumulates console API calls for the lifetime of one page
// session, for later inclusion as the "console" capture kind.
type Recorder struct {
	mu       sync.Mutex
	messages []ConsoleMessage
	cancel   context.CancelFunc
}

// ConsoleMessage is one console.* call observed on a page.
type ConsoleMessage struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Attach starts listening for console events on page. The returned stop
// function must be called when the caller is done with the page.
func (r *Recorder) Attach(page *rod.Page) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go page.Context(ctx).EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		var text string
		for _, arg := range e.Args {
			if arg.Value.Val() != nil {
				text += fmt.Sprintf("%v ", arg.Value.Val())
			}
		}
		r.mu.Lock()
		r.messages = append(r.messages, ConsoleMessage{
			Type:      string(e.Type),
			Text:      text,
			Timestamp: time.Now().UTC(),
		})
		r.mu.Unlock()
	})()

	return func() { cancel() }
}

// JSON returns the recorded messages as a JSON document suitable for the
// "console" capture kind.
func (r *Recorder) JSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(r.messages, "", "  ")
}
