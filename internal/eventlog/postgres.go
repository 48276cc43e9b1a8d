package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore manages the room event log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, applies pending migrations and returns a
// store that owns the connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore creates a store backed by the given database handle. The
// schema must already exist.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate brings the schema up to date using the embedded migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventlog: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("eventlog: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("eventlog: init migrations: %w", err)
	}
	// m.Close would close db as well; the source needs no cleanup.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("eventlog: apply migrations: %w", err)
	}
	return nil
}

// Append inserts an event row. Author ids are stored as NULL when empty.
func (s *PostgresStore) Append(ctx context.Context, rec Record) (int64, error) {
	body, err := Encode(rec)
	if err != nil {
		return 0, err
	}

	var author sql.NullString
	if rec.Author != "" {
		author = sql.NullString{String: rec.Author, Valid: true}
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO room_events (room_id, kind, author_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		rec.RoomID, rec.Kind, author, string(body), rec.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("eventlog: insert event: %w", err)
	}
	return id, nil
}

// Recent returns the newest rows of a room.
func (s *PostgresStore) Recent(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body FROM room_events
		 WHERE room_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query events: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e    Entry
			body string
		)
		if err := rows.Scan(&e.Seq, &body); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		e.Body = []byte(body)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: iterate events: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
