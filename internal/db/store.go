package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"studentpunch/internal/checkin"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkins (
  id          UUID PRIMARY KEY,
  user_id     TEXT NOT NULL,
  email       TEXT,
  latitude    DOUBLE PRECISION NOT NULL,
  longitude   DOUBLE PRECISION NOT NULL,
  address     TEXT,
  image_ref   TEXT,
  captured_at TIMESTAMPTZ NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS idx_checkins_user_created ON checkins (user_id, created_at DESC);
`

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Store persists check-ins in Postgres. The write time comes from the
// database clock, never from the device.
type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

func (s *Store) Append(ctx context.Context, input checkin.RecordInput) (checkin.Receipt, error) {
	if input.UserID == "" {
		return checkin.Receipt{}, errors.New("user_id required")
	}
	id := uuid.New()
	var createdAt pgtype.Timestamptz
	err := s.Pool.QueryRow(ctx, `
    INSERT INTO checkins (id, user_id, email, latitude, longitude, address, image_ref, captured_at, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, clock_timestamp())
    RETURNING created_at
  `,
		pgUUID(id),
		input.UserID,
		pgText(input.Email),
		input.Latitude,
		input.Longitude,
		pgText(input.Address),
		pgText(input.ImageRef),
		pgTime(input.CapturedAt),
	).Scan(&createdAt)
	if err != nil {
		return checkin.Receipt{}, err
	}
	return checkin.Receipt{ID: id.String(), Timestamp: createdAt.Time}, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]checkin.Record, error) {
	rows, err := s.Pool.Query(ctx, `
    SELECT id, user_id, email, latitude, longitude, address, image_ref, captured_at, created_at
    FROM checkins
    WHERE user_id = $1
    ORDER BY created_at DESC, id DESC
    LIMIT $2
  `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]checkin.Record, 0, limit)
	for rows.Next() {
		var (
			id         pgtype.UUID
			email      pgtype.Text
			address    pgtype.Text
			imageRef   pgtype.Text
			capturedAt pgtype.Timestamptz
			createdAt  pgtype.Timestamptz
			record     checkin.Record
		)
		if err := rows.Scan(&id, &record.UserID, &email, &record.Latitude, &record.Longitude, &address, &imageRef, &capturedAt, &createdAt); err != nil {
			return nil, err
		}
		record.ID = uuidString(id)
		record.Email = textPtr(email)
		record.Address = textPtr(address)
		record.ImageRef = textPtr(imageRef)
		record.CapturedAt = capturedAt.Time
		record.Timestamp = createdAt.Time
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return checkin.ErrRecordNotFound
	}
	tag, err := s.Pool.Exec(ctx, `DELETE FROM checkins WHERE id = $1`, pgUUID(parsed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkin.ErrRecordNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return checkin.ErrRecordNotFound
	}
	return nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}

func pgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		t = time.Now()
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func pgText(value *string) pgtype.Text {
	if value == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *value, Valid: *value != ""}
}

func textPtr(value pgtype.Text) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
