package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool-settlement/internal/escrow"
	"github.com/example/carpool-settlement/internal/locks"
	"github.com/example/carpool-settlement/internal/models"
	"github.com/example/carpool-settlement/internal/observability"
	"github.com/example/carpool-settlement/internal/reservations"
)

// TravelModeDuo marks carpool reservations; everything else is an ordinary
// travel mode with an exact overlap window.
const TravelModeDuo = "duo"

// Notifier tells affected partners their reservation changed underneath them.
// Best-effort.
type Notifier interface {
	NotifyCancellation(userID, reservationID, reason string)
}

// Resolver prevents and cancels overlapping reservations, cascading to
// matched partners and refunding held escrows.
type Resolver struct {
	Reservations reservations.Repository
	Escrows      *escrow.Manager
	Locks        locks.Locker
	Notify       Notifier // optional

	// CarpoolSlack widens the conflict window for carpool reservations so
	// pickup coordination time counts as overlap.
	CarpoolSlack time.Duration
	LockTTL      time.Duration
	Logger       *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// FindConflicts returns the user's non-terminal reservations overlapping
// [startOn, endOn]. Carpool reservations conflict on a slack-extended window;
// ordinary travel modes require exact overlap.
func (r *Resolver) FindConflicts(ctx context.Context, userID string, startOn, endOn time.Time) ([]models.Reservation, error) {
	slack := r.CarpoolSlack
	candidates, err := r.Reservations.FindOverlapping(ctx, userID, startOn.Add(-slack), endOn.Add(slack))
	if err != nil {
		return nil, err
	}
	var out []models.Reservation
	for _, c := range candidates {
		if c.TravelMode == TravelModeDuo {
			out = append(out, c)
			continue
		}
		if c.StartedOn.Before(endOn) && c.EstimatedArrivalOn.After(startOn) {
			out = append(out, c)
		}
	}
	return out, nil
}

// CancelReservation is the cancellation entry point. MATCHED (or started)
// reservations cancel as a pair with partner fallout; everything earlier in
// the lifecycle cancels alone or repeals the whole offer.
func (r *Resolver) CancelReservation(ctx context.Context, reservationID, reason string) error {
	res, err := r.Reservations.ByID(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Status.Terminal() {
		return fmt.Errorf("reservation %s already %s", reservationID, res.Status)
	}

	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	release, ok, err := r.Locks.Acquire(ctx, res.OfferID, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("offer %s is being settled, retry", res.OfferID)
	}
	defer release()

	switch {
	case res.Status == models.StatusMatched || res.Status == models.StatusStarted:
		return r.cancelPaired(ctx, res, reason)
	default:
		return r.cancelUnpaired(ctx, res, reason)
	}
}

// cancelUnpaired handles reservations that are not yet locked to a partner.
// A driver canceling their own offer repeals it and force-cancels every
// pending applicant; a mere applicant just removes their own application.
func (r *Resolver) cancelUnpaired(ctx context.Context, res models.Reservation, reason string) error {
	if res.Role == models.RoleDriver {
		if _, err := r.Reservations.Transition(ctx, res.ID, models.StatusRepealed); err != nil {
			return err
		}
		if err := r.refundEscrow(ctx, res); err != nil {
			return err
		}
		applicants, err := r.Reservations.ByOffer(ctx, res.OfferID)
		if err != nil {
			return err
		}
		for _, a := range applicants {
			if a.ID == res.ID || a.Status.Terminal() {
				continue
			}
			if _, err := r.Reservations.Transition(ctx, a.ID, models.StatusCanceled); err != nil {
				return err
			}
			if err := r.refundEscrow(ctx, a); err != nil {
				return err
			}
			if r.Notify != nil {
				r.Notify.NotifyCancellation(a.UserID, a.ID, reason)
			}
		}
		observability.CancellationsTotal.WithLabelValues("repealed").Inc()
		return nil
	}

	// applicant canceling their own pending application
	if err := r.refundEscrow(ctx, res); err != nil {
		return err
	}
	if err := r.Reservations.Delete(ctx, res.ID); err != nil {
		return err
	}
	observability.CancellationsTotal.WithLabelValues("unpaired").Inc()
	return nil
}

// cancelPaired cancels one side of a matched carpool. Partners matched
// organically fall back to SEARCHING; partners created from a one-shot
// suggestion card have nothing to fall back to and are canceled. The
// canceling user takes a penalty timestamp for reputation tracking.
func (r *Resolver) cancelPaired(ctx context.Context, res models.Reservation, reason string) error {
	if _, err := r.Reservations.Transition(ctx, res.ID, models.StatusCanceled); err != nil {
		return err
	}
	if err := r.refundEscrow(ctx, res); err != nil {
		return err
	}

	partners, err := r.Reservations.ByOffer(ctx, res.OfferID)
	if err != nil {
		return err
	}
	for _, p := range partners {
		if p.ID == res.ID || p.Status.Terminal() {
			continue
		}
		target := models.StatusSearching
		if p.FromSuggestion || !models.CanTransition(p.Status, models.StatusSearching) {
			target = models.StatusCanceled
		}
		if _, err := r.Reservations.Transition(ctx, p.ID, target); err != nil {
			return err
		}
		if target == models.StatusCanceled {
			if err := r.refundEscrow(ctx, p); err != nil {
				return err
			}
		}
		if r.Notify != nil {
			r.Notify.NotifyCancellation(p.UserID, p.ID, reason)
		}
	}

	if err := r.Reservations.RecordPenalty(ctx, res.UserID, time.Now()); err != nil {
		// penalty bookkeeping never blocks the cancellation itself
		r.logger().Warn("penalty record failed", "user_id", res.UserID, "error", err)
	}
	observability.CancellationsTotal.WithLabelValues("paired").Inc()
	return nil
}

func (r *Resolver) refundEscrow(ctx context.Context, res models.Reservation) error {
	esc, ok, err := r.Escrows.ByReservation(ctx, res.UserID, res.ID)
	if err != nil || !ok {
		return err
	}
	_, _, err = r.Escrows.RefundRemainder(ctx, esc)
	return err
}
