package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotRecorded is returned by Ledger.Get for names the ledger never saw.
var ErrNotRecorded = errors.New("upload not recorded")

// LedgerEntry is one row of the uploads table.
type LedgerEntry struct {
	Name         string
	OriginalName string
	SizeBytes    int64
	DetectedType string
	URL          string
	CreatedAt    time.Time
	ValidUntil   time.Time
	DeletedAt    *time.Time
}

// Ledger records every stored upload and its deletion in PostgreSQL.
// The filesystem stays authoritative; the ledger is an audit trail.
type Ledger struct {
	db *sql.DB
}

// NewLedger wraps an open, migrated connection pool.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Name implements StoreHook, SweepHook and HealthChecker.
func (l *Ledger) Name() string { return "ledger" }

// FileStored inserts the upload row.
func (l *Ledger) FileStored(ctx context.Context, f StoredFile, m Manifest) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO uploads (name, original_name, size_bytes, detected_type, url, created_at, valid_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			size_bytes = EXCLUDED.size_bytes,
			detected_type = EXCLUDED.detected_type,
			url = EXCLUDED.url,
			valid_until = EXCLUDED.valid_until,
			deleted_at = NULL
	`, f.Name, f.OriginalName, f.SizeBytes, f.DetectedType, m.URL, f.CreatedAt.UTC(), m.Until)
	if err != nil {
		return fmt.Errorf("record upload %s: %w", f.Name, err)
	}
	return nil
}

// FileExpired stamps deleted_at on the row. Files stored before the ledger
// was enabled have no row and are ignored.
func (l *Ledger) FileExpired(ctx context.Context, name string, deletedAt time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE uploads SET deleted_at = $2 WHERE name = $1 AND deleted_at IS NULL`,
		name, deletedAt.UTC())
	if err != nil {
		return fmt.Errorf("record expiry %s: %w", name, err)
	}
	return nil
}

// Get returns the row for a stored name.
func (l *Ledger) Get(ctx context.Context, name string) (LedgerEntry, error) {
	var (
		e         LedgerEntry
		deletedAt sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT name, original_name, size_bytes, detected_type, url, created_at, valid_until, deleted_at
		FROM uploads WHERE name = $1
	`, name).Scan(&e.Name, &e.OriginalName, &e.SizeBytes, &e.DetectedType, &e.URL, &e.CreatedAt, &e.ValidUntil, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, ErrNotRecorded
	}
	if err != nil {
		return LedgerEntry{}, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	return e, nil
}

// CountLive returns the number of recorded uploads not yet swept.
func (l *Ledger) CountLive(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT count(*) FROM uploads WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

// CheckHealth pings the database.
func (l *Ledger) CheckHealth(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := l.db.PingContext(ctx); err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "database unreachable: " + err.Error()}
	}

	stats := l.db.Stats()
	status := ComponentStatusUp
	message := "database healthy"
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status = ComponentStatusDegraded
		message = "connection pool exhausted"
	}
	return ComponentHealth{
		Status:  status,
		Message: message,
		Details: map[string]int{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	}
}
