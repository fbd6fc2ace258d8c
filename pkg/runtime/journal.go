package runtime

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Journal records applied reconcile actions. Recording is best-effort; a
// failing journal must never fail a reconciliation.
type Journal interface {
	Record(run, topology, resource, action, detail string)
}

// NopJournal discards everything.
type NopJournal struct{}

func (NopJournal) Record(run, topology, resource, action, detail string) {}

// SQLiteJournal keeps the action log in a local sqlite file.
type SQLiteJournal struct {
	db *sql.DB
}

const defaultJournalPath = "/var/lib/netlab/journal.db"

// OpenJournal opens (creating if needed) the journal at path, or the default
// location when path is empty.
func OpenJournal(path string) (*SQLiteJournal, error) {
	if path == "" {
		path = defaultJournalPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS actions(run TEXT, topology TEXT, resource TEXT, action TEXT, detail TEXT, ts INTEGER);
CREATE INDEX IF NOT EXISTS idx_actions_run ON actions(run);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Record(run, topology, resource, action, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := j.db.ExecContext(ctx, `INSERT INTO actions(run, topology, resource, action, detail, ts) VALUES(?,?,?,?,?,?)`,
		run, topology, resource, action, detail, time.Now().Unix()); err != nil {
		log.Warnf("journal insert failed: %v", err)
	}
}

// Actions returns the recorded actions of one run, oldest first.
func (j *SQLiteJournal) Actions(run string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := j.db.QueryContext(ctx, `SELECT resource, action, detail FROM actions WHERE run=? ORDER BY ts, rowid`, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var resource, action, detail string
		if err := rows.Scan(&resource, &action, &detail); err != nil {
			return nil, err
		}
		line := resource + " " + action
		if detail != "" {
			line += " " + detail
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *SQLiteJournal) Close() error { return j.db.Close() }
