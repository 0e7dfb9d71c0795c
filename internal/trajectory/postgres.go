package trajectory

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/carpool-settlement/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool so processes sharing one DSN
// share one pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, pt models.TrajectoryPoint) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trajectory_points(user_id, trip_id, ts, lat, lon, speed, accuracy) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		pt.UserID, pt.TripID, pt.Timestamp, pt.Lat, pt.Lon, pt.Speed, pt.Accuracy)
	return err
}

func (p *PostgresStore) GetTrajectory(ctx context.Context, userID, tripID string, start, end time.Time) ([]models.TrajectoryPoint, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id, trip_id, ts, lat, lon, speed, accuracy
		   FROM trajectory_points
		  WHERE user_id=$1 AND trip_id=$2 AND ts BETWEEN $3 AND $4
		  ORDER BY ts ASC`,
		userID, tripID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TrajectoryPoint
	for rows.Next() {
		var pt models.TrajectoryPoint
		if err := rows.Scan(&pt.UserID, &pt.TripID, &pt.Timestamp, &pt.Lat, &pt.Lon, &pt.Speed, &pt.Accuracy); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}
