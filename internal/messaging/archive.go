package messaging

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// archiveSchema holds the durable delivery log. Applied on open; the
// statements are idempotent so re-opening an existing archive is safe.
const archiveSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	kind TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	completed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_recipient ON deliveries(recipient, completed_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_message ON deliveries(message_id);
`

// ArchiveEntry is one terminal delivery record.
type ArchiveEntry struct {
	MessageID   string
	Sender      string
	Recipient   string
	Kind        Kind
	Priority    Priority
	Status      ReceiptStatus
	Attempts    int
	Error       string
	CompletedAt time.Time
}

// Archive is the durable log of terminal delivery receipts, backed by
// sqlite. It is optional; a nil *Archive disables archiving.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the delivery archive at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening delivery archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Record appends a terminal receipt to the log.
func (a *Archive) Record(msg *Message, rec Receipt) error {
	if a == nil {
		return nil
	}
	_, err := a.db.Exec(
		`INSERT INTO deliveries (message_id, sender, recipient, kind, priority, status, attempts, error, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Sender, rec.Recipient, string(msg.Kind), string(msg.Priority),
		string(rec.Status), rec.Attempts, rec.Error, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording delivery: %w", err)
	}
	return nil
}

// History returns the most recent terminal deliveries for a recipient,
// newest first. limit <= 0 means no limit.
func (a *Archive) History(recipient string, limit int) ([]ArchiveEntry, error) {
	if a == nil {
		return nil, nil
	}

	query := `SELECT message_id, sender, recipient, kind, priority, status, attempts, error, completed_at
		FROM deliveries WHERE recipient = ? ORDER BY completed_at DESC, id DESC`
	args := []any{recipient}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		var kind, priority, status string
		if err := rows.Scan(&e.MessageID, &e.Sender, &e.Recipient, &kind, &priority,
			&status, &e.Attempts, &e.Error, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning delivery row: %w", err)
		}
		e.Kind = Kind(kind)
		e.Priority = Priority(priority)
		e.Status = ReceiptStatus(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery rows: %w", err)
	}
	return entries, nil
}

// Counts returns delivered/failed totals for a recipient.
func (a *Archive) Counts(recipient string) (delivered, failed int, err error) {
	if a == nil {
		return 0, 0, nil
	}
	row := a.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		 FROM deliveries WHERE recipient = ?`, recipient)
	if err := row.Scan(&delivered, &failed); err != nil {
		return 0, 0, fmt.Errorf("counting deliveries: %w", err)
	}
	return delivered, failed, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	if a == nil {
		return nil
	}
	return a.db.Close()
}
