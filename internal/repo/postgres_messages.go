package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/relay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	sender     TEXT NOT NULL,
	receiver   TEXT NOT NULL,
	content    TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('pending', 'sent', 'failed', 'delivered', 'read')),
	user_id    TEXT,
	device_id  TEXT,
	thread_id  TEXT,
	origin     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_status_created_idx ON messages (status, created_at);
CREATE INDEX IF NOT EXISTS messages_user_idx ON messages (user_id);
CREATE INDEX IF NOT EXISTS messages_device_idx ON messages (device_id);
`

const columns = `id, sender, receiver, content, status, user_id, device_id, thread_id, origin, created_at, updated_at`

type PostgresMessageRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageRepo(pool *pgxpool.Pool) *PostgresMessageRepo {
	return &PostgresMessageRepo{pool: pool}
}

func (r *PostgresMessageRepo) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate messages: %v", model.ErrPersistence, err)
	}
	return nil
}

func (r *PostgresMessageRepo) Insert(ctx context.Context, m model.Message) (string, error) {
	if m.ID == "" {
		return "", model.Invalid("id", "required")
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, m.ID, m.Sender, m.Receiver, m.Content, string(m.Status),
		m.UserID, m.DeviceID, m.ThreadID, string(m.Origin),
		m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("%w: insert message %s: %v", model.ErrPersistence, m.ID, err)
	}
	return m.ID, nil
}

func (r *PostgresMessageRepo) UpdateStatus(ctx context.Context, id string, status model.Status) (model.Message, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+columns,
		id, string(status), time.Now().UTC())

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: update message %s: %v", model.ErrPersistence, id, err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) UpdateStatusIf(ctx context.Context, id string, from, to model.Status) (model.Message, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+columns,
		id, string(from), string(to), time.Now().UTC())

	m, err := scanMessage(row)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, fmt.Errorf("%w: update message %s: %v", model.ErrPersistence, id, err)
	}

	// Nothing matched: either the id is unknown or the status moved on.
	current, err := r.FindByID(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	return current, fmt.Errorf("message %s is %s, expected %s: %w", id, current.Status, from, model.ErrStatusConflict)
}

func (r *PostgresMessageRepo) FindByStatus(ctx context.Context, status model.Status, limit int) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+columns+`
		FROM messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(status), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: find by status: %v", model.ErrPersistence, err)
	}
	return collect(rows)
}

func (r *PostgresMessageRepo) FindByID(ctx context.Context, id string) (model.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM messages WHERE id = $1`, id)

	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: find message %s: %v", model.ErrPersistence, id, err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) FindByOwnerOrDevice(ctx context.Context, f Filter) ([]model.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if f.IsZero() {
		rows, err = r.pool.Query(ctx, `
			SELECT `+columns+`
			FROM messages
			ORDER BY created_at ASC
			LIMIT $1
		`, limitArg(f.Limit))
	} else {
		owners := f.OwnerIDs
		if owners == nil {
			owners = []string{}
		}
		devices := f.DeviceIDs
		if devices == nil {
			devices = []string{}
		}
		rows, err = r.pool.Query(ctx, `
			SELECT `+columns+`
			FROM messages
			WHERE user_id = ANY($1)
			   OR device_id = ANY($2)
			   OR ($3 <> '' AND receiver = $3)
			ORDER BY created_at ASC
			LIMIT $4
		`, owners, devices, f.ReceiverID, limitArg(f.Limit))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find by owner or device: %v", model.ErrPersistence, err)
	}
	return collect(rows)
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func collect(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", model.ErrPersistence, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m              model.Message
		status, origin string
	)
	if err := row.Scan(
		&m.ID,
		&m.Sender,
		&m.Receiver,
		&m.Content,
		&status,
		&m.UserID,
		&m.DeviceID,
		&m.ThreadID,
		&origin,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return model.Message{}, err
	}
	m.Status = model.Status(status)
	m.Origin = model.Origin(origin)
	return m, nil
}
