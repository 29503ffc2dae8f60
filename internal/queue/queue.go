// Package queue implements capability C4: enqueue/receive/ack/nack
// with per-message visibility timeouts and a dead-letter sink after a
// configurable maximum receive count. It is backed by SQLite with a
// visible_at/delivery_count schema, grounded on the durable-state-plus-
// timer split already present in internal/scheduler (a Store holding
// rows, a caller-driven polling loop deciding when work is due) rather
// than introducing a new persistence idiom.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/contentdigest/internal/errkind"
)

// DefaultMaxReceives is the delivery-count ceiling after which a
// message is routed to the dead-letter sink, per spec.md §4.4.
const DefaultMaxReceives = 5

// Message is a single queued item handed to a receiver.
type Message struct {
	ID            string
	Body          string
	DeliveryCount int
	EnqueuedAt    time.Time
}

// Queue is a SQLite-backed at-least-once message queue. A single Queue
// value may back many named queues distinguished by the queue name
// passed to each method, so the Classification Engine's work queue and
// its dead-letter sink can share one database file.
type Queue struct {
	db          *sql.DB
	maxReceives int
}

// Open opens (creating if necessary) the queue database at path and
// runs the schema migration. driver selects "modernc" (default, pure
// Go) or "mattn" (CGo).
func Open(path, driver string, maxReceives int) (*Queue, error) {
	driverName, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}
	if maxReceives <= 0 {
		maxReceives = DefaultMaxReceives
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	q := &Queue{db: db, maxReceives: maxReceives}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	return q, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case "", "modernc":
		return "sqlite", nil
	case "mattn":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("queue: %w: unknown driver %q", errkind.ConfigurationError, driver)
	}
}

func (q *Queue) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS queue_messages (
		id             TEXT PRIMARY KEY,
		queue          TEXT NOT NULL,
		body           TEXT NOT NULL,
		dedup_key      TEXT,
		delivery_count INTEGER NOT NULL DEFAULT 0,
		visible_at     TEXT NOT NULL,
		enqueued_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_messages_queue_visible ON queue_messages(queue, visible_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_messages_dedup ON queue_messages(queue, dedup_key) WHERE dedup_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		queue       TEXT NOT NULL,
		body        TEXT NOT NULL,
		reason      TEXT NOT NULL,
		enqueued_at TEXT NOT NULL
	);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (q *Queue) Close() error { return q.db.Close() }

// Send enqueues body on the named queue. If dedupKey is non-empty and
// a message with the same (queue, dedupKey) is already present, Send
// is a silent no-op — this is the mechanism the Visual Capture stage
// uses to avoid double-enqueuing an artifact on retry.
func (q *Queue) Send(ctx context.Context, queueName, body, dedupKey string) error {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var dedup any
	if dedupKey != "" {
		dedup = dedupKey
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue, body, dedup_key, delivery_count, visible_at, enqueued_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(queue, dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
	`, id, queueName, body, dedup, now, now)
	if err != nil {
		return fmt.Errorf("queue: send to %q: %w", queueName, err)
	}
	return nil
}

// Receive returns up to maxBatch messages from queueName that are
// currently visible, marking them invisible until visibilityTimeout
// elapses and incrementing their delivery count. Messages whose
// delivery count would exceed the configured max-receives are instead
// moved to the dead-letter sink and excluded from the result.
func (q *Queue) Receive(ctx context.Context, queueName string, maxBatch int, visibilityTimeout time.Duration) ([]Message, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: receive from %q: begin: %w", queueName, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, body, delivery_count, enqueued_at
		FROM queue_messages
		WHERE queue = ? AND visible_at <= ?
		ORDER BY enqueued_at ASC
		LIMIT ?
	`, queueName, now.Format(time.RFC3339Nano), maxBatch)
	if err != nil {
		return nil, fmt.Errorf("queue: receive from %q: select: %w", queueName, err)
	}

	type candidate struct {
		id            string
		body          string
		deliveryCount int
		enqueuedAt    string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.body, &c.deliveryCount, &c.enqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: receive from %q: scan: %w", queueName, err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: receive from %q: %w", queueName, err)
	}

	var out []Message
	newVisibleAt := now.Add(visibilityTimeout).Format(time.RFC3339Nano)

	for _, c := range candidates {
		nextCount := c.deliveryCount + 1
		if nextCount > q.maxReceives {
			if err := q.deadLetterLocked(ctx, tx, queueName, c.id, c.body, "max_receives exceeded"); err != nil {
				return nil, err
			}
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages SET delivery_count = ?, visible_at = ? WHERE id = ?
		`, nextCount, newVisibleAt, c.id); err != nil {
			return nil, fmt.Errorf("queue: receive from %q: update: %w", queueName, err)
		}

		enqueuedAt, _ := time.Parse(time.RFC3339Nano, c.enqueuedAt)
		out = append(out, Message{ID: c.id, Body: c.body, DeliveryCount: nextCount, EnqueuedAt: enqueuedAt})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: receive from %q: commit: %w", queueName, err)
	}
	return out, nil
}

func (q *Queue) deadLetterLocked(ctx context.Context, tx *sql.Tx, queueName, id, body, reason string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, queue, body, reason, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, queueName, body, reason, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("queue: dead-letter %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: dead-letter %q: delete: %w", id, err)
	}
	return nil
}

// Ack permanently removes a successfully processed message.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("queue: ack %q: %w", messageID, err)
	}
	return nil
}

// Nack makes a message visible again after delay (zero means
// immediately), leaving its delivery count unchanged so it neither
// double-counts against max-receives nor resets the budget.
func (q *Queue) Nack(ctx context.Context, messageID string, delay time.Duration) error {
	visibleAt := time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(ctx, `UPDATE queue_messages SET visible_at = ? WHERE id = ?`, visibleAt, messageID)
	if err != nil {
		return fmt.Errorf("queue: nack %q: %w", messageID, err)
	}
	return nil
}

// Depth returns the number of messages currently enqueued on
// queueName, visible or not. The Orchestrator's long-path completion
// hook polls this to detect "queue empty for run".
func (q *Queue) Depth(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: depth %q: %w", queueName, err)
	}
	return n, nil
}

// DeadLetterCount returns the number of messages currently in the
// dead-letter sink for queueName.
func (q *Queue) DeadLetterCount(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE queue = ?`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: dead-letter count %q: %w", queueName, err)
	}
	return n, nil
}
