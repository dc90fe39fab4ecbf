// Package usage implements the token-usage recorder: an append-and-
// aggregate store keyed by (hourBucket, accountEmail, modelName),
// durable via SQLite. Grounded on the teacher's internal/quota
// usage_manager.go (the in-memory aggregation shape) redirected onto
// internal/database's SQLite dialect (WAL mode, busy_timeout) instead of
// quota's JSON-file persistence, since the spec requires durable
// upsert-by-bucket storage rather than a single mutable snapshot file.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const hourSeconds = 3600
const daySeconds = 86400
const weekSeconds = 604800

// Bucket is one aggregated row.
type Bucket struct {
	HourBucket   int64
	AccountEmail string
	Model        string
	InputTokens  int64
	OutputTokens int64
	RequestCount int64
}

// Totals is a coarser aggregate used by daily/weekly/summary queries.
type Totals struct {
	InputTokens  int64
	OutputTokens int64
	RequestCount int64
}

// Summary is the response shape for the admin usage-summary endpoint.
type Summary struct {
	Totals          Totals
	DistinctAccounts int
	ByModel         map[string]Totals
	ByAccount       map[string]Totals
}

// Recorder is the durable, mutex-serialized usage store. All writes go
// through a single mutex (spec §5); all failures are swallowed by the
// exported Record method, since usage recording must never affect
// request handling (spec §7: "Usage-recorder failures are silent").
type Recorder struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed Recorder at path,
// applying the same WAL/busy_timeout tuning the teacher's database
// package uses for its own SQLite connections.
func Open(path string) (*Recorder, error) {
	if path == "" {
		path = ".config/upstream-bridge-usage.db"
	}
	connStr := path + "?_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("usage: opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Printf("usage: failed to apply %q: %v", pragma, err)
		}
	}

	r := &Recorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) migrate() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS hourly_usage (
	hour_bucket   INTEGER NOT NULL,
	account_email TEXT    NOT NULL,
	model_name    TEXT    NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (hour_bucket, account_email, model_name)
)`)
	return err
}

// Close releases the underlying database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// HourBucketFor floors a point in time to its hour bucket.
func HourBucketFor(t time.Time) int64 {
	return (t.Unix() / hourSeconds) * hourSeconds
}

// Record upserts one usage row for (now's hour bucket, accountEmail,
// model): on conflict it adds to inputTokens/outputTokens and increments
// requestCount by one. Failures are logged and swallowed — Record never
// returns an error the caller could propagate into the response path.
func (r *Recorder) Record(ctx context.Context, now time.Time, accountEmail, model string, inputTokens, outputTokens int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := HourBucketFor(now)
	_, err := r.db.ExecContext(ctx, `
INSERT INTO hourly_usage (hour_bucket, account_email, model_name, input_tokens, output_tokens, request_count)
VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT(hour_bucket, account_email, model_name) DO UPDATE SET
	input_tokens = input_tokens + excluded.input_tokens,
	output_tokens = output_tokens + excluded.output_tokens,
	request_count = request_count + 1
`, bucket, accountEmail, model, inputTokens, outputTokens)
	if err != nil {
		log.Printf("usage: record failed (swallowed): %v", err)
	}
}

// HourlyStats returns every bucket whose hour_bucket falls in [start, end).
func (r *Recorder) HourlyStats(ctx context.Context, start, end time.Time) ([]Bucket, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT hour_bucket, account_email, model_name, input_tokens, output_tokens, request_count
FROM hourly_usage
WHERE hour_bucket >= ? AND hour_bucket < ?
ORDER BY hour_bucket, account_email, model_name
`, HourBucketFor(start), HourBucketFor(end))
	if err != nil {
		return nil, fmt.Errorf("usage: hourly query: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.HourBucket, &b.AccountEmail, &b.Model, &b.InputTokens, &b.OutputTokens, &b.RequestCount); err != nil {
			return nil, fmt.Errorf("usage: scanning row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DailyStats re-buckets hourly rows by dividing hour_bucket by 86400 and
// re-aggregating, keyed by the resulting day bucket.
func (r *Recorder) DailyStats(ctx context.Context, start, end time.Time) (map[int64]Totals, error) {
	return r.rebucket(ctx, start, end, daySeconds)
}

// WeeklyStats re-buckets hourly rows by dividing hour_bucket by 604800.
func (r *Recorder) WeeklyStats(ctx context.Context, start, end time.Time) (map[int64]Totals, error) {
	return r.rebucket(ctx, start, end, weekSeconds)
}

func (r *Recorder) rebucket(ctx context.Context, start, end time.Time, periodSeconds int64) (map[int64]Totals, error) {
	buckets, err := r.HourlyStats(ctx, start, end)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]Totals)
	for _, b := range buckets {
		key := b.HourBucket / periodSeconds
		t := out[key]
		t.InputTokens += b.InputTokens
		t.OutputTokens += b.OutputTokens
		t.RequestCount += b.RequestCount
		out[key] = t
	}
	return out, nil
}

// Summarize returns totals, distinct-account count, and breakdowns by
// model and by account across [start, end).
func (r *Recorder) Summarize(ctx context.Context, start, end time.Time) (Summary, error) {
	buckets, err := r.HourlyStats(ctx, start, end)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		ByModel:   make(map[string]Totals),
		ByAccount: make(map[string]Totals),
	}
	accounts := make(map[string]struct{})

	for _, b := range buckets {
		summary.Totals.InputTokens += b.InputTokens
		summary.Totals.OutputTokens += b.OutputTokens
		summary.Totals.RequestCount += b.RequestCount

		accounts[b.AccountEmail] = struct{}{}

		mt := summary.ByModel[b.Model]
		mt.InputTokens += b.InputTokens
		mt.OutputTokens += b.OutputTokens
		mt.RequestCount += b.RequestCount
		summary.ByModel[b.Model] = mt

		at := summary.ByAccount[b.AccountEmail]
		at.InputTokens += b.InputTokens
		at.OutputTokens += b.OutputTokens
		at.RequestCount += b.RequestCount
		summary.ByAccount[b.AccountEmail] = at
	}

	summary.DistinctAccounts = len(accounts)
	return summary, nil
}
