// Package journal keeps a persistent history of shower runs in SQLite so
// operators can tell which lens values a run used and how it ended, even
// after the daemon restarts.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/temlab/beamshower/pkg/shower"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeRunning     Outcome = "running"
	OutcomeCompleted   Outcome = "completed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

var ErrRunNotFound = errors.New("run not found")

// Run is one journal row.
type Run struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	Params     *shower.Params `json:"params,omitempty"`
	Backup     *shower.Backup `json:"backup,omitempty"`
	Online     bool           `json:"online"`
	Outcome    Outcome        `json:"outcome"`
	Phase      shower.Phase   `json:"phase,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Journal is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex

	insertStatement *sql.Stmt
	backupStatement *sql.Stmt
	finishStatement *sql.Stmt
}

// Open creates the database and its parent directory if needed.
func Open(path string) (*Journal, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to create journal directory for %s", path)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open journal %s", path)
	}
	// One writer keeps the in-memory database shared across calls.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path}
	if err := j.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logrus.WithField("path", path).Debug("journal opened")

	return j, nil
}

func (j *Journal) createTable() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER,
			params      TEXT,
			backup      TEXT,
			online      INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			phase       TEXT,
			error       TEXT
		)`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create runs table")
	}

	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at)`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create runs index")
	}

	return nil
}

func (j *Journal) prepareStatements() error {
	var err error

	j.insertStatement, err = j.db.Prepare(`
		INSERT INTO runs (id, started_at, params, online, outcome)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to prepare insert statement")
	}

	j.backupStatement, err = j.db.Prepare(`UPDATE runs SET backup = ? WHERE id = ?`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to prepare backup statement")
	}

	j.finishStatement, err = j.db.Prepare(`
		UPDATE runs SET finished_at = ?, outcome = ?, phase = ?, error = ?, params = COALESCE(?, params)
		WHERE id = ?`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to prepare finish statement")
	}

	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Begin records a new run in the running state.
func (j *Journal) Begin(id string, startedAt time.Time, params *shower.Params, online bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var p any
	if params != nil {
		p = params
	}
	ps, err := marshalNullable(p)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode params")
	}

	_, err = j.insertStatement.Exec(id, startedAt.UnixMilli(), ps, online, OutcomeRunning)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to insert run %s", id)
	}

	return nil
}

// RecordBackup stores the lens values saved before the run mutated anything.
func (j *Journal) RecordBackup(id string, b shower.Backup) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	bs, err := marshalNullable(b)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode backup")
	}

	res, err := j.backupStatement.Exec(bs, id)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to record backup for run %s", id)
	}

	return mustAffect(res, id)
}

// Finish closes a run. params, when non-nil, replaces the values recorded
// at Begin: the sequence re-reads them once it is safe to do so.
func (j *Journal) Finish(
	id string,
	finishedAt time.Time,
	outcome Outcome,
	phase shower.Phase,
	params *shower.Params,
	runErr error,
) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var p any
	if params != nil {
		p = params
	}
	ps, err := marshalNullable(p)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode params")
	}

	errText := sql.NullString{}
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	res, err := j.finishStatement.Exec(finishedAt.UnixMilli(), outcome, phase, errText, ps, id)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to finish run %s", id)
	}

	return mustAffect(res, id)
}

func mustAffect(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return pkgerrors.Wrapf(ErrRunNotFound, "run %s", id)
	}
	return nil
}

// MarkInterrupted closes runs left in the running state by a daemon that
// exited without finishing them. It returns the number of runs closed.
func (j *Journal) MarkInterrupted(at time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.Exec(
		`UPDATE runs SET finished_at = ?, outcome = ?, error = ? WHERE outcome = ?`,
		at.UnixMilli(), OutcomeInterrupted, "daemon exited during the run", OutcomeRunning,
	)
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to mark interrupted runs")
	}

	return res.RowsAffected()
}

// List returns the most recent runs first. limit <= 0 returns all runs.
func (j *Journal) List(limit int) ([]Run, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	q := `SELECT id, started_at, finished_at, params, backup, online, outcome, phase, error
		FROM runs ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	return runs, pkgerrors.Wrap(rows.Err(), "failed to iterate runs")
}

// Get returns a single run.
func (j *Journal) Get(id string) (Run, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	row := j.db.QueryRow(`SELECT id, started_at, finished_at, params, backup, online, outcome, phase, error
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, pkgerrors.Wrapf(ErrRunNotFound, "run %s", id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		params   sql.NullString
		backup   sql.NullString
		phase    sql.NullString
		errText  sql.NullString
		outcome  string
	)
	err := s.Scan(&r.ID, &started, &finished, &params, &backup, &r.Online, &outcome, &phase, &errText)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, pkgerrors.Wrap(err, "failed to scan run")
	}

	r.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		r.FinishedAt = &t
	}
	if params.Valid {
		r.Params = &shower.Params{}
		if err := json.Unmarshal([]byte(params.String), r.Params); err != nil {
			return Run{}, pkgerrors.Wrapf(err, "failed to decode params of run %s", r.ID)
		}
	}
	if backup.Valid {
		r.Backup = &shower.Backup{}
		if err := json.Unmarshal([]byte(backup.String), r.Backup); err != nil {
			return Run{}, pkgerrors.Wrapf(err, "failed to decode backup of run %s", r.ID)
		}
	}
	r.Outcome = Outcome(outcome)
	r.Phase = shower.Phase(phase.String)
	r.Error = errText.String

	return r, nil
}

// Close releases the prepared statements and the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, st := range []*sql.Stmt{j.insertStatement, j.backupStatement, j.finishStatement} {
		if st != nil {
			_ = st.Close()
		}
	}

	return j.db.Close()
}
