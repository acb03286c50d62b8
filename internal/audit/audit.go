// Package audit provides an async, buffered writer that records instance
// lifecycle events to a dedicated Postgres database. The audit trail is
// deliberately a separate store from internal/store's state file: the
// control plane never reads it to make a decision, so its unavailability
// can never affect reconciliation or the API. It exists purely for
// after-the-fact history and compliance.
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

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry represents a single audit log entry to be written.
type Entry struct {
	Owner      string
	Action     string
	Resource   string
	ResourceID string
	Detail     json.RawMessage
	IPAddress  *netip.Addr
	UserAgent  *string
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine, so the HTTP
// handler that calls Log never waits on a database round trip.
type Writer struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, log *slog.Logger) *Writer {
	return &Writer{pool: pool, log: log, entries: make(chan Entry, bufferSize)}
}

// Start begins the background flush loop.
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

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged
// — an audit gap is preferable to an API handler that stalls on an
// unrelated database.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		if w.log != nil {
			w.log.Warn("audit log buffer full, dropping entry", "action", entry.Action, "resource", entry.Resource)
		}
	}
}

// LogFromRequest is a convenience wrapper that pulls the client IP and
// user agent from the HTTP request before enqueueing.
func (w *Writer) LogFromRequest(r *http.Request, owner, action, resource, resourceID string, detail json.RawMessage) {
	entry := Entry{Owner: owner, Action: action, Resource: resource, ResourceID: resourceID, Detail: detail}

	if ip := clientIP(r); ip.IsValid() {
		entry.IPAddress = &ip
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry.UserAgent = &ua
	}
	w.Log(entry)
}

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

// flush writes a batch of entries in a single transaction, retrying the
// whole attempt a bounded number of times on connection-level failures —
// a dropped connection to the audit database is transient and common
// enough on a pool that's idle between flush ticks. A failed insert for
// one entry within a successful transaction is logged and skipped rather
// than aborting the whole batch — a noisy audit beats a silent one.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.flushOnce(ctx, entries)
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil && w.log != nil {
		w.log.Error("audit flush failed after retries", "error", err, "entries", len(entries))
	}
}

func (w *Writer) flushOnce(ctx context.Context, entries []Entry) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		var ip *string
		if e.IPAddress != nil {
			s := e.IPAddress.String()
			ip = &s
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO audit_log (id, owner, action, resource, resource_id, detail, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
			uuid.New(), e.Owner, e.Action, e.Resource, e.ResourceID, e.Detail, ip, e.UserAgent,
		)
		if err != nil && w.log != nil {
			w.log.Error("writing audit log entry", "error", err, "action", e.Action, "resource", e.Resource)
		}
	}

	return tx.Commit(ctx)
}

// clientIP extracts the client IP, preferring X-Forwarded-For and
// X-Real-IP over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
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
