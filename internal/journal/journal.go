// Package journal keeps an append-only SQLite record of the frames a node
// reads and writes. It is observational: nothing is replayed from it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codewiresh/packetwire/internal/protocol"
)

// Direction values stored with each entry.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Entry is one recorded frame.
type Entry struct {
	Seq        int64     `json:"seq" yaml:"seq"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
	Remote     string    `json:"remote" yaml:"remote"`
	Direction  string    `json:"direction" yaml:"direction"`
	FrameID    uint32    `json:"frame_id" yaml:"frame_id"`
	ResponseTo int32     `json:"response_to" yaml:"response_to"`
	TypeID     uint32    `json:"type_id" yaml:"type_id"`
	Payload    []byte    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Query filters List results. Zero fields do not filter.
type Query struct {
	Remote    string
	Direction string
	Since     time.Time
	Limit     int
}

// Journal is a SQLite-backed frame log. It uses modernc.org/sqlite, which is
// pure Go (no CGO). Safe for concurrent use.
type Journal struct {
	db      *sql.DB
	mu      sync.Mutex // serializes writes (SQLite is single-writer)
	logger  *slog.Logger
	closeCh chan struct{}
	closed  sync.Once

	retention time.Duration
	interval  time.Duration
}

// Option configures a Journal.
type Option func(*Journal)

// WithRetention prunes entries older than d every interval. Zero disables
// pruning.
func WithRetention(d, interval time.Duration) Option {
	return func(j *Journal) {
		j.retention = d
		if interval > 0 {
			j.interval = interval
		}
	}
}

// WithLogger sets the logger used for failed background writes.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// Open opens or creates the journal database at path and runs migrations.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	j := &Journal{
		db:       db,
		logger:   slog.Default(),
		closeCh:  make(chan struct{}),
		interval: time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}

	if j.retention > 0 {
		go j.cleanupLoop()
	}
	return j, nil
}

func (j *Journal) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS frames (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at DATETIME NOT NULL,
			remote      TEXT NOT NULL DEFAULT '',
			direction   TEXT NOT NULL CHECK (direction IN ('in', 'out')),
			frame_id    INTEGER NOT NULL,
			response_to INTEGER NOT NULL,
			type_id     INTEGER NOT NULL,
			payload     BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_recorded ON frames(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_remote ON frames(remote)`,
	}
	for _, m := range migrations {
		if _, err := j.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// cleanupLoop periodically removes entries older than the retention window.
func (j *Journal) cleanupLoop() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.closeCh:
			return
		case <-ticker.C:
			n, err := j.Prune(context.Background(), time.Now().Add(-j.retention))
			if err != nil {
				j.logger.Warn("journal prune failed", "err", err)
				continue
			}
			if n > 0 {
				j.logger.Debug("journal pruned", "entries", n)
			}
		}
	}
}

// Record appends e. RecordedAt defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO frames (recorded_at, remote, direction, frame_id, response_to, type_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RecordedAt.UTC(), e.Remote, e.Direction, int64(e.FrameID), int64(e.ResponseTo), int64(e.TypeID), e.Payload,
	)
	if err != nil {
		return fmt.Errorf("recording frame: %w", err)
	}
	return nil
}

// RecordFrame records f as seen on the connection to remote. Failures are
// logged, never returned, so a broken journal cannot stall a connection.
func (j *Journal) RecordFrame(remote string, outbound bool, f *protocol.Frame) {
	dir := Inbound
	if outbound {
		dir = Outbound
	}
	err := j.Record(context.Background(), Entry{
		Remote:     remote,
		Direction:  dir,
		FrameID:    f.ID,
		ResponseTo: f.ResponseTo,
		TypeID:     f.TypeID,
		Payload:    f.Payload,
	})
	if err != nil {
		j.logger.Warn("journal write failed", "frame_id", f.ID, "remote", remote, "err", err)
	}
}

// List returns matching entries, newest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	stmt := `SELECT seq, recorded_at, remote, direction, frame_id, response_to, type_id, payload
		FROM frames WHERE 1 = 1`
	var args []any
	if q.Remote != "" {
		stmt += " AND remote = ?"
		args = append(args, q.Remote)
	}
	if q.Direction != "" {
		stmt += " AND direction = ?"
		args = append(args, q.Direction)
	}
	if !q.Since.IsZero() {
		stmt += " AND recorded_at >= ?"
		args = append(args, q.Since.UTC())
	}
	stmt += " ORDER BY seq DESC"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("listing frames: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                           Entry
			frameID, responseTo, typeID int64
		)
		if err := rows.Scan(&e.Seq, &e.RecordedAt, &e.Remote, &e.Direction, &frameID, &responseTo, &typeID, &e.Payload); err != nil {
			return nil, err
		}
		e.FrameID, e.ResponseTo, e.TypeID = uint32(frameID), int32(responseTo), uint32(typeID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of recorded entries.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM frames").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting frames: %w", err)
	}
	return n, nil
}

// Prune deletes entries recorded before cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	res, err := j.db.ExecContext(ctx, "DELETE FROM frames WHERE recorded_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning frames: %w", err)
	}
	return res.RowsAffected()
}

// Close stops background pruning and closes the database.
func (j *Journal) Close() error {
	j.closed.Do(func() { close(j.closeCh) })
	return j.db.Close()
}
