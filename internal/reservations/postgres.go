package reservations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/carpool-settlement/internal/models"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository { return &PostgresRepository{db: db} }

const reservationCols = `id, user_id, role, offer_id, trip_id, travel_mode, status,
	origin_lat, origin_lon, dest_lat, dest_lon, started_on, estimated_arrival_on,
	from_suggestion, premium_held, premium_used, created_at, updated_at`

func (p *PostgresRepository) Create(ctx context.Context, r models.Reservation) error {
	now := time.Now()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO reservations(`+reservationCols+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.UserID, r.Role, r.OfferID, r.TripID, r.TravelMode, r.Status,
		r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.StartedOn, r.EstimatedArrivalOn, r.FromSuggestion, r.PremiumHeld, r.PremiumUsed, now, now)
	return err
}

func (p *PostgresRepository) ByID(ctx context.Context, id string) (models.Reservation, error) {
	return scanReservation(p.db.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id=$1`, id))
}

func (p *PostgresRepository) ByOffer(ctx context.Context, offerID string) ([]models.Reservation, error) {
	return p.query(ctx, `SELECT `+reservationCols+` FROM reservations WHERE offer_id=$1 ORDER BY id`, offerID)
}

// Transition validates against the state graph under a row lock so two
// concurrent transitions on the same reservation serialize.
func (p *PostgresRepository) Transition(ctx context.Context, id string, to models.Status) (models.Reservation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Reservation{}, err
	}
	defer tx.Rollback()

	r, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return models.Reservation{}, err
	}
	if !models.CanTransition(r.Status, to) {
		return models.Reservation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status=$1, updated_at=$2 WHERE id=$3`, to, r.UpdatedAt, id); err != nil {
		return models.Reservation{}, err
	}
	return r, tx.Commit()
}

func (p *PostgresRepository) FindOverlapping(ctx context.Context, userID string, start, end time.Time) ([]models.Reservation, error) {
	return p.query(ctx,
		`SELECT `+reservationCols+` FROM reservations
		  WHERE user_id=$1
		    AND status NOT IN ('FINISHED','CANCELED','REPEALED')
		    AND started_on < $3 AND estimated_arrival_on > $2
		  ORDER BY started_on`,
		userID, start, end)
}

func (p *PostgresRepository) StartedEndedBetween(ctx context.Context, since, until time.Time) ([]models.Reservation, error) {
	return p.query(ctx,
		`SELECT `+reservationCols+` FROM reservations
		  WHERE status='STARTED' AND role='DRIVER'
		    AND estimated_arrival_on > $1 AND estimated_arrival_on <= $2
		  ORDER BY estimated_arrival_on`,
		since, until)
}

func (p *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM reservations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) RecordPenalty(ctx context.Context, userID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO cancellation_penalties(user_id, recorded_at) VALUES($1,$2)`, userID, at)
	return err
}

func (p *PostgresRepository) query(ctx context.Context, q string, args ...any) ([]models.Reservation, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(&r.ID, &r.UserID, &r.Role, &r.OfferID, &r.TripID, &r.TravelMode, &r.Status,
		&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.StartedOn, &r.EstimatedArrivalOn, &r.FromSuggestion, &r.PremiumHeld, &r.PremiumUsed,
		&r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Reservation{}, ErrNotFound
	}
	return r, err
}
