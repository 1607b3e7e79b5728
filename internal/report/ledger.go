package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger stores run reports in a SQLite database.
type Ledger struct {
	db *sql.DB
}

// RunRow summarizes a stored run.
type RunRow struct {
	RunID    string
	Group    string
	Started  time.Time
	Finished time.Time
	Listing  int
	Success  int
	Failed   int
}

// OpenLedger opens or creates the ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("report: create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("report: open ledger: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	group_name TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	listing INTEGER NOT NULL,
	success INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	speed_mean REAL NOT NULL,
	speed_stdev REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS items (
	run_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	product TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT,
	reason TEXT,
	PRIMARY KEY (run_id, product)
);

CREATE TABLE IF NOT EXISTS attempts (
	run_id TEXT NOT NULL,
	product TEXT NOT NULL,
	login TEXT NOT NULL,
	outcome TEXT NOT NULL,
	status TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	bytes INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	speed_mbps REAL NOT NULL,
	error TEXT,
	finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS attempts_run ON attempts(run_id);
`)
	return err
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// isoLayout keeps a fixed width so stored timestamps sort as text.
const isoLayout = "2006-01-02T15:04:05.000000000Z07:00"

func iso(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// Save stores r in one transaction.
func (l *Ledger) Save(ctx context.Context, r *Report) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("report: begin: %w", err)
	}
	defer tx.Rollback()

	success, failed, _ := r.Tally()
	mean, std := r.Throughput()
	finished := r.Finished
	if finished.IsZero() {
		finished = time.Now()
	}

	if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO runs(
	run_id, group_name, started_at, finished_at, listing, success, failed, speed_mean, speed_stdev
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.RunID,
		r.Group,
		iso(r.Started),
		iso(finished),
		len(r.Items),
		success,
		failed,
		mean,
		std,
	); err != nil {
		return fmt.Errorf("report: insert run: %w", err)
	}

	for _, it := range r.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO items(run_id, product_id, product, status, source, reason) VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, it.ID, it.Name, string(it.Status), string(it.Source), it.Reason,
		); err != nil {
			return fmt.Errorf("report: insert item %s: %w", it.Name, err)
		}
	}

	for _, a := range r.Attempts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO attempts(
	run_id, product, login, outcome, status, status_code, bytes, elapsed_ms, speed_mbps, error, finished_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			r.RunID,
			a.Product,
			a.Login,
			string(a.Outcome),
			a.Status,
			a.StatusCode,
			a.Bytes,
			a.Elapsed.Milliseconds(),
			a.SpeedMBps,
			a.Err,
			iso(a.Finished),
		); err != nil {
			return fmt.Errorf("report: insert attempt %s: %w", a.Product, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("report: commit: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT run_id, group_name, started_at, finished_at, listing, success, failed
FROM runs
ORDER BY started_at DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("report: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			row               RunRow
			started, finished string
		)
		if err := rows.Scan(&row.RunID, &row.Group, &started, &finished, &row.Listing, &row.Success, &row.Failed); err != nil {
			return nil, fmt.Errorf("report: scan run: %w", err)
		}
		row.Started, _ = time.Parse(isoLayout, started)
		row.Finished, _ = time.Parse(isoLayout, finished)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Failures returns how many attempts of product failed across all runs.
func (l *Ledger) Failures(ctx context.Context, productName string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE product = ? AND outcome != 'OK'`,
		productName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("report: count failures: %w", err)
	}
	return n, nil
}
