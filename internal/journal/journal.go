// Package journal records device sessions and their state transitions in a
// SQLite database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/scanrelay/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Journal is a session.Observer that persists lifecycle events. Write
// failures are logged and never reach the control loop.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ session.Observer = (*Journal)(nil)

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	j := &Journal{db: db, log: logger}
	if err := j.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// DB exposes the handle for the SQL debug console.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{j.log}
	return m, nil
}

// migrateUp runs all pending migrations. The migrate instance is not
// closed: that would close the shared connection.
func (j *Journal) migrateUp() error {
	m, err := j.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (j *Journal) SchemaVersion() (version uint, dirty bool, err error) {
	m, err := j.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{ log zerolog.Logger }

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug().Msgf("[migrate] "+format, v...)
}

func (l migrateLogger) Verbose() bool { return false }

func (j *Journal) ensureSession(id uuid.UUID, started time.Time) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO sessions (session_id, started_at) VALUES (?, ?)`,
		id.String(), started.UTC().Format(timeLayout))
	return err
}

// OnTransition records t and, the first time the device is known, the
// device identity on the session row.
func (j *Journal) OnTransition(t session.Transition) {
	if err := j.recordTransition(t); err != nil {
		j.log.Warn().Err(err).Str("session", t.SessionID.String()).Msg("journal transition write failed")
	}
}

func (j *Journal) recordTransition(t session.Transition) error {
	if err := j.ensureSession(t.SessionID, t.At); err != nil {
		return err
	}
	if _, err := j.db.Exec(
		`INSERT INTO transitions (session_id, from_state, to_state, at, error) VALUES (?, ?, ?, ?, ?)`,
		t.SessionID.String(), t.From.String(), t.To.String(), t.At.UTC().Format(timeLayout), errText(t.Err),
	); err != nil {
		return err
	}
	if d := t.Device; d != nil {
		_, err := j.db.Exec(`
			UPDATE sessions SET port = ?, baud = ?, model = ?, firmware = ?, hardware = ?, serial = ?
			WHERE session_id = ? AND port IS NULL`,
			d.Port, d.Baud, d.Info.Model, d.Info.FirmwareString(), d.Info.Hardware, d.Info.SerialString(),
			t.SessionID.String())
		return err
	}
	return nil
}

// OnBatch is a no-op; batch counts arrive with OnSessionEnd.
func (j *Journal) OnBatch(session.BatchEvent) {}

// OnSessionEnd closes the session row.
func (j *Journal) OnSessionEnd(e session.End) {
	err := j.ensureSession(e.SessionID, e.Started)
	if err == nil {
		_, err = j.db.Exec(
			`UPDATE sessions SET ended_at = ?, batches = ?, end_error = ? WHERE session_id = ?`,
			e.At.UTC().Format(timeLayout), int64(e.Batches), errText(e.Err), e.SessionID.String())
	}
	if err != nil {
		j.log.Warn().Err(err).Str("session", e.SessionID.String()).Msg("journal session write failed")
	}
}

func errText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

// SessionRow is one recorded session.
type SessionRow struct {
	ID       uuid.UUID  `json:"id"`
	Started  time.Time  `json:"started"`
	Ended    *time.Time `json:"ended,omitempty"`
	Port     string     `json:"port,omitempty"`
	Baud     int        `json:"baud,omitempty"`
	Model    int        `json:"model,omitempty"`
	Firmware string     `json:"firmware,omitempty"`
	Hardware int        `json:"hardware,omitempty"`
	Serial   string     `json:"serial,omitempty"`
	Batches  uint64     `json:"batches"`
	EndError string     `json:"end_error,omitempty"`
}

// TransitionRow is one recorded state change.
type TransitionRow struct {
	SessionID uuid.UUID `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

// RecentSessions returns up to limit sessions, newest first.
func (j *Journal) RecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, started_at, ended_at, port, baud, model, firmware, hardware, serial, batches, end_error
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r                           SessionRow
			id, started                 string
			ended, port, fw, ser, endEr sql.NullString
			baud, model, hw             sql.NullInt64
			batches                     int64
		)
		if err := rows.Scan(&id, &started, &ended, &port, &baud, &model, &fw, &hw, &ser, &batches, &endEr); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if r.Started, err = time.Parse(timeLayout, started); err != nil {
			return nil, err
		}
		if ended.Valid {
			t, err := time.Parse(timeLayout, ended.String)
			if err != nil {
				return nil, err
			}
			r.Ended = &t
		}
		r.Port, r.Firmware, r.Serial, r.EndError = port.String, fw.String, ser.String, endEr.String
		r.Baud, r.Model, r.Hardware = int(baud.Int64), int(model.Int64), int(hw.Int64)
		r.Batches = uint64(batches)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transitions returns the transitions of one session in order.
func (j *Journal) Transitions(ctx context.Context, id uuid.UUID) ([]TransitionRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT from_state, to_state, at, error FROM transitions
		WHERE session_id = ? ORDER BY transition_id`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var (
			r      = TransitionRow{SessionID: id}
			at     string
			errStr sql.NullString
		)
		if err := rows.Scan(&r.From, &r.To, &at, &errStr); err != nil {
			return nil, err
		}
		if r.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, err
		}
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}
