package collector

import (
	"context"
	"database/sql"

	"github.com/gr-butler/fieldstation/data"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Store keeps readings. Inserting the same station and timestamp twice is
// not an error: backlog replays can resend a reading.
type Store interface {
	Insert(ctx context.Context, stationID string, r *data.Reading, raw []byte) error
}

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	station_id  TEXT        NOT NULL,
	measured_at TIMESTAMPTZ NOT NULL,
	payload     JSONB       NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (station_id, measured_at)
)`

const insertReading = `
INSERT INTO readings (station_id, measured_at, payload)
VALUES ($1, $2, $3)
ON CONFLICT (station_id, measured_at) DO NOTHING`

type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "reach database")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create readings table")
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Insert(ctx context.Context, stationID string, r *data.Reading, raw []byte) error {
	if _, err := p.db.ExecContext(ctx, insertReading, stationID, r.Timestamp, string(raw)); err != nil {
		return errors.Wrapf(err, "insert reading [%v]", r.Timestamp)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
