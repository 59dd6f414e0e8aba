package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSamples = 20

// recordQueueDepth bounds the async write queue; Record drops silently
// past this depth rather than ever blocking the caller.
const recordQueueDepth = 256

type writeOp struct {
	fingerprint string
	category    string
	duration    time.Duration
	timedOut    bool
}

// SQLiteStore persists history to a local SQLite database. Get reads under
// a 50ms deadline; Record enqueues to a single background writer goroutine
// so the caller never blocks on disk I/O.
type SQLiteStore struct {
	conn   *sql.DB
	writes chan writeOp
	done   chan struct{}
}

var _ Store = (*SQLiteStore)(nil)

// Open creates (or attaches to) the SQLite database at path and migrates it
// to the latest schema.
func Open(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sub)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	s := &SQLiteStore{
		conn:   conn,
		writes: make(chan writeOp, recordQueueDepth),
		done:   make(chan struct{}),
	}
	go s.runWriter()
	return s, nil
}

// Get reads the record for fingerprint under a 50ms deadline; a slow or
// missing backend reads as a miss, never a stall.
func (s *SQLiteStore) Get(fingerprint string) (Record, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var (
		p50, p90    float64
		n, timeouts int
		updatedAt   string
	)
	row := s.conn.QueryRowContext(ctx,
		`SELECT p50, p90, n, timeouts, updated_at FROM history_records WHERE fingerprint = ?`, fingerprint)
	if err := row.Scan(&p50, &p90, &n, &timeouts, &updatedAt); err != nil {
		return Record{}, false
	}

	ts, _ := time.Parse(time.RFC3339, updatedAt)
	return Record{
		Fingerprint: fingerprint,
		P50:         time.Duration(p50 * float64(time.Second)),
		P90:         time.Duration(p90 * float64(time.Second)),
		N:           n,
		Timeouts:    timeouts,
		UpdatedAt:   ts,
	}, true
}

// Record enqueues a best-effort write; if the queue is full the sample is
// dropped rather than blocking the caller.
func (s *SQLiteStore) Record(fingerprint, category string, duration time.Duration, timedOut bool) {
	select {
	case s.writes <- writeOp{fingerprint: fingerprint, category: category, duration: duration, timedOut: timedOut}:
	default:
		log.Printf("history: write queue full, dropping sample for %s", fingerprint)
	}
}

// ListRecent returns up to limit records most recently updated for
// category.
func (s *SQLiteStore) ListRecent(category string, limit int) []Record {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx,
		`SELECT fingerprint, p50, p90, n, timeouts, updated_at FROM history_records WHERE category = ? ORDER BY updated_at DESC LIMIT ?`,
		category, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			fp          string
			p50, p90    float64
			n, timeouts int
			updatedAt   string
		)
		if err := rows.Scan(&fp, &p50, &p90, &n, &timeouts, &updatedAt); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, updatedAt)
		out = append(out, Record{
			Fingerprint: fp,
			P50:         time.Duration(p50 * float64(time.Second)),
			P90:         time.Duration(p90 * float64(time.Second)),
			N:           n,
			Timeouts:    timeouts,
			UpdatedAt:   ts,
		})
	}
	return out
}

// Close stops the background writer and closes the connection.
func (s *SQLiteStore) Close() error {
	close(s.writes)
	<-s.done
	return s.conn.Close()
}

// runWriter is the single background writer goroutine fed by the bounded
// writes channel; it owns all mutation of history_records so concurrent
// Record calls never race on the samples_json read-modify-write.
func (s *SQLiteStore) runWriter() {
	defer close(s.done)
	for op := range s.writes {
		if err := s.applyWrite(op); err != nil {
			log.Printf("history: write failed for %s: %v", op.fingerprint, err)
		}
	}
}

func (s *SQLiteStore) applyWrite(op writeOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var samplesJSON string
	var timeouts int
	err := s.conn.QueryRowContext(ctx,
		`SELECT samples_json, timeouts FROM history_records WHERE fingerprint = ?`, op.fingerprint).
		Scan(&samplesJSON, &timeouts)

	var samples []float64
	if err == nil {
		_ = json.Unmarshal([]byte(samplesJSON), &samples)
	} else if err != sql.ErrNoRows {
		return err
	}

	if op.timedOut {
		timeouts++
	} else {
		samples = append(samples, op.duration.Seconds())
		if len(samples) > maxSamples {
			samples = samples[len(samples)-maxSamples:]
		}
	}

	p50, p90 := percentiles(samples)
	encoded, err := json.Marshal(samples)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO history_records (fingerprint, samples_json, p50, p90, n, timeouts, category, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			samples_json = excluded.samples_json,
			p50 = excluded.p50,
			p90 = excluded.p90,
			n = excluded.n,
			timeouts = excluded.timeouts,
			category = excluded.category,
			updated_at = excluded.updated_at`,
		op.fingerprint, string(encoded), p50, p90, len(samples), timeouts, op.category,
		time.Now().UTC().Format(time.RFC3339))
	return err
}

// percentiles computes p50/p90 (in seconds) over samples as the sorted
// element at index floor(p*(n-1)), without interpolation, sufficient for
// the modest sample sizes this store retains.
func percentiles(samples []float64) (p50, p90 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return rank(sorted, 0.50), rank(sorted, 0.90)
}

func rank(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
