// Package audit writes the append-only admission-decision log (spec §3
// AuditLog, §6.3). Writes are async and best-effort: a failure to persist
// an audit row is logged but never blocks the admission path it documents.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single audit log row (spec §3 AuditLog).
type Entry struct {
	JobID              uuid.UUID
	Domain             string
	PolicyID           string
	AuthorizationMode  string
	Strategy           string
	Action             string // allow | deny | rate_limit | concurrency_limit | strategy_restricted
	Allowed            bool
	Reason             string
	UserID             string
	IPAddress          string
	Context            json.RawMessage
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the database.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged — an
// audit-log write failure must never block the admission flow it records
// (spec §7).
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "domain", entry.Domain, "job_id", entry.JobID)
	}
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the database.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		ctxBytes := e.Context
		if ctxBytes == nil {
			ctxBytes = json.RawMessage("{}")
		}

		var jobID any
		if e.JobID != uuid.Nil {
			jobID = e.JobID
		}

		_, err := w.pool.Exec(ctx, `
			INSERT INTO audit_log
				(job_id, domain, policy_id, authorization_mode, strategy, action, allowed, reason, user_id, ip_address, context)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			jobID, e.Domain, nullIfEmpty(e.PolicyID), e.AuthorizationMode, e.Strategy,
			e.Action, e.Allowed, e.Reason, nullIfEmpty(e.UserID), nullIfEmpty(e.IPAddress), ctxBytes,
		)
		if err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"action", e.Action, "domain", e.Domain, "job_id", e.JobID)
		}
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ClientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func ClientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
