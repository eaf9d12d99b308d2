package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/snapkeeper/internal/infra/queue"
)

// QueueRepo implements queue.Queue on the queue_messages table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never lease the same row.
type QueueRepo struct {
	db *sqlx.DB
}

func NewQueueRepo(db *DB) *QueueRepo {
	return &QueueRepo{db: db.DB}
}

type queueRow struct {
	ID           string    `db:"id"`
	Queue        string    `db:"queue"`
	Body         []byte    `db:"body"`
	DequeueCount int       `db:"dequeue_count"`
	Receipt      string    `db:"receipt"`
	EnqueuedAt   time.Time `db:"enqueued_at"`
}

func (r *QueueRepo) Send(ctx context.Context, name string, body []byte, delay time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue, body, visible_at, enqueued_at)
		VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 millisecond', NOW())`,
		uuid.NewString(), name, body, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *QueueRepo) Receive(ctx context.Context, name string, max int, visibility time.Duration) ([]queue.Message, error) {
	var rows []queueRow
	err := r.db.SelectContext(ctx, &rows, `
		UPDATE queue_messages
		SET dequeue_count = dequeue_count + 1,
		    receipt = $4,
		    visible_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE queue = $1 AND visible_at <= NOW()
			ORDER BY visible_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, body, dequeue_count, receipt, enqueued_at`,
		name, max, visibility.Milliseconds(), uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}

	msgs := make([]queue.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, queue.Message{
			ID:           row.ID,
			Queue:        row.Queue,
			Body:         row.Body,
			DequeueCount: row.DequeueCount,
			Receipt:      row.Receipt,
			EnqueuedAt:   row.EnqueuedAt,
		})
	}
	return msgs, nil
}

func (r *QueueRepo) Delete(ctx context.Context, msg queue.Message) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = $1 AND receipt = $2`, msg.ID, msg.Receipt)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return leaseResult(res.RowsAffected())
}

func (r *QueueRepo) Release(ctx context.Context, msg queue.Message, delay time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET receipt = NULL, visible_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE id = $1 AND receipt = $2`,
		msg.ID, msg.Receipt, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return leaseResult(res.RowsAffected())
}

func (r *QueueRepo) Len(ctx context.Context, name string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queue_messages WHERE queue = $1`, name); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Depths counts messages for several queues in one round trip. Queues with
// no messages are reported as zero.
func (r *QueueRepo) Depths(ctx context.Context, names []string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT queue, COUNT(*) FROM queue_messages WHERE queue = ANY($1) GROUP BY queue`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int, len(names))
	for _, n := range names {
		out[n] = 0
	}
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}

func leaseResult(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}
