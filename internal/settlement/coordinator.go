package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/carpool-settlement/internal/escrow"
	"github.com/example/carpool-settlement/internal/geo"
	"github.com/example/carpool-settlement/internal/ledger"
	"github.com/example/carpool-settlement/internal/locks"
	"github.com/example/carpool-settlement/internal/matcher"
	"github.com/example/carpool-settlement/internal/models"
	"github.com/example/carpool-settlement/internal/observability"
	"github.com/example/carpool-settlement/internal/reservations"
	"github.com/example/carpool-settlement/internal/trajectory"
)

var (
	// ErrConflict means another settlement or cancellation holds the offer
	// lock. The caller already got one retry with backoff.
	ErrConflict = errors.New("settlement conflict")

	// ErrNotSettleable means the driver reservation is not in STARTED.
	ErrNotSettleable = errors.New("reservation not settleable")
)

// IncentiveEngine is notified after a verified settlement. Fire-and-notify:
// failures never roll back money movements.
type IncentiveEngine interface {
	Evaluate(reservationID string, verified bool, distanceMeters float64, mode string) error
}

// EventPublisher feeds the settlement topic (incentive + telework consumers).
type EventPublisher interface {
	PublishSettlement(ev models.SettlementEvent) error
}

// Notifier pushes the outcome to a connected user app.
type Notifier interface {
	Notify(userID string, ev models.SettlementEvent)
}

// WorkplaceDirectory resolves a user's registered workplace for enterprise
// commute (telework) logging.
type WorkplaceDirectory interface {
	Workplace(userID string) (models.Coord, bool)
}

const (
	teleworkRadiusMeters = 100.0
	lockRetryBackoff     = 250 * time.Millisecond
)

// Coordinator runs the end-of-trip settlement: verify trajectories, then
// split escrowed fares between driver, platform and refunds. Money steps are
// driven through deterministic idempotency keys so a retry after partial
// failure completes the remaining posts instead of double-paying.
type Coordinator struct {
	Trajectories trajectory.Store
	Matcher      *matcher.Matcher
	Escrows      *escrow.Manager
	Ledger       *ledger.Ledger
	Reservations reservations.Repository
	Locks        locks.Locker
	Incentive    IncentiveEngine    // optional
	Events       EventPublisher     // optional
	Notify       Notifier           // optional
	Workplaces   WorkplaceDirectory // optional

	PayerFee decimal.Decimal // passenger-side transaction fee
	PayeeFee decimal.Decimal // driver-side transaction fee
	LockTTL  time.Duration
	Logger   *slog.Logger
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// VerifyTrip is the primary entry point, invoked at trip completion and by
// the batch recalculation job. It is idempotent over stored trajectories and
// over ledger posts.
func (c *Coordinator) VerifyTrip(ctx context.Context, driverReservationID string) (models.SettlementReport, error) {
	driver, err := c.Reservations.ByID(ctx, driverReservationID)
	if err != nil {
		return models.SettlementReport{}, err
	}
	if driver.Role != models.RoleDriver {
		return models.SettlementReport{}, fmt.Errorf("%w: %s is not a driver reservation", ErrNotSettleable, driverReservationID)
	}
	if driver.Status != models.StatusStarted {
		return models.SettlementReport{}, fmt.Errorf("%w: status %s", ErrNotSettleable, driver.Status)
	}

	release, err := c.lockOffer(ctx, driver.OfferID)
	if err != nil {
		return models.SettlementReport{}, err
	}
	defer release()

	offer, err := c.Reservations.ByOffer(ctx, driver.OfferID)
	if err != nil {
		return models.SettlementReport{}, err
	}
	var riders []models.Reservation
	for _, r := range offer {
		if r.Role == models.RoleRider && r.Status == models.StatusStarted {
			riders = append(riders, r)
		}
	}

	report := models.SettlementReport{OfferID: driver.OfferID, PremiumOutcome: models.PremiumNone}
	report.Results = c.verifyRiders(ctx, driver, riders)
	for _, res := range report.Results {
		if res.Passed {
			report.Verified = true
			break
		}
	}

	if report.Verified {
		err = c.settleVerified(ctx, driver, riders, &report)
	} else {
		err = c.refundAll(ctx, driver, riders, &report)
	}
	if err != nil {
		// reservations stay STARTED; the recalc job retries with the same
		// idempotency keys
		observability.SettlementsTotal.WithLabelValues("error").Inc()
		return report, err
	}

	for _, r := range append([]models.Reservation{driver}, riders...) {
		if _, err := c.Reservations.Transition(ctx, r.ID, models.StatusFinished); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("finish %s: %v", r.ID, err))
		}
	}

	c.emit(ctx, driver, riders, &report)
	if report.Verified {
		observability.SettlementsTotal.WithLabelValues("verified").Inc()
	} else {
		observability.SettlementsTotal.WithLabelValues("unverified").Inc()
	}
	return report, nil
}

func (c *Coordinator) lockOffer(ctx context.Context, offerID string) (func(), error) {
	ttl := c.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	release, ok, err := c.Locks.Acquire(ctx, offerID, ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return release, nil
	}
	// one retry with backoff, then surface the conflict
	select {
	case <-time.After(lockRetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release, ok, err = c.Locks.Acquire(ctx, offerID, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: offer %s", ErrConflict, offerID)
	}
	return release, nil
}

// verifyRiders scores each rider independently against the driver trajectory.
// Trajectory store failures degrade to an empty trajectory: GPS absence is a
// legitimate condition and must not abort settlement.
func (c *Coordinator) verifyRiders(ctx context.Context, driver models.Reservation, riders []models.Reservation) []models.VerificationResult {
	start, end := driver.StartedOn, driver.EstimatedArrivalOn
	driverTraj, err := c.Trajectories.GetTrajectory(ctx, driver.UserID, driver.TripID, start, end)
	if err != nil {
		c.logger().Warn("driver trajectory read failed", "reservation_id", driver.ID, "error", err)
		driverTraj = nil
	}
	results := make([]models.VerificationResult, 0, len(riders))
	for _, rider := range riders {
		riderTraj, err := c.Trajectories.GetTrajectory(ctx, rider.UserID, rider.TripID, start, end)
		if err != nil {
			c.logger().Warn("rider trajectory read failed", "reservation_id", rider.ID, "error", err)
			riderTraj = nil
		}
		results = append(results, c.Matcher.Match(driver.ID, rider.ID, driverTraj, riderTraj, start))
	}
	return results
}

// refundAll releases every participant's escrow back to their wallet in full.
func (c *Coordinator) refundAll(ctx context.Context, driver models.Reservation, riders []models.Reservation, report *models.SettlementReport) error {
	for _, r := range append([]models.Reservation{driver}, riders...) {
		if err := c.refundReservation(ctx, r, report); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) refundReservation(ctx context.Context, r models.Reservation, report *models.SettlementReport) error {
	esc, ok, err := c.escrowFor(ctx, r)
	if err != nil {
		return err
	}
	if !ok {
		return nil // nothing was ever funded
	}
	_, premium, err := c.Escrows.RefundRemainder(ctx, esc)
	if err != nil {
		return err
	}
	if premium.IsPositive() {
		report.PremiumOutcome = models.PremiumReturned
	}
	return nil
}

// settleVerified pays the driver out of each passing rider's escrow, takes
// the platform fees, settles premiums, and refunds riders that did not pass.
// The "any rider passes" policy is asymmetric on purpose: a verified driver
// can coexist with unverified riders on the same offer, who are refunded.
func (c *Coordinator) settleVerified(ctx context.Context, driver models.Reservation, riders []models.Reservation, report *models.SettlementReport) error {
	passedBy := make(map[string]bool, len(report.Results))
	for _, res := range report.Results {
		passedBy[res.RiderReservationID] = res.Passed
	}
	driverWallet := ledger.WalletAccountID(driver.UserID)
	platform := c.Ledger.PlatformAccountID()
	totalPayout := decimal.Zero

	for _, rider := range riders {
		if !passedBy[rider.ID] {
			if err := c.refundReservation(ctx, rider, report); err != nil {
				return err
			}
			continue
		}
		esc, ok, err := c.escrowFor(ctx, rider)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		totals, err := c.Escrows.Totals(ctx, esc.ID)
		if err != nil {
			return err
		}

		// split from what the rider paid in, not from the remaining balance:
		// on a retry after a partial failure some fee posts already landed,
		// and the idempotency keys make those replays no-ops
		payout, passengerFee, driverFee := splitFare(totals.NetFunded, c.PayerFee, c.PayeeFee)
		if passengerFee.IsPositive() {
			if _, err := c.Escrows.Release(ctx, esc, platform, passengerFee, models.ActPassengerFee,
				settleKey(esc.ID, models.ActPassengerFee)); err != nil {
				return err
			}
		}
		if driverFee.IsPositive() {
			if _, err := c.Escrows.Release(ctx, esc, platform, driverFee, models.ActDriverFee,
				settleKey(esc.ID, models.ActDriverFee)); err != nil {
				return err
			}
		}
		if payout.IsPositive() {
			if _, err := c.Escrows.Release(ctx, esc, driverWallet, payout, models.ActDriverPayout,
				settleKey(esc.ID, models.ActDriverPayout)); err != nil {
				return err
			}
			totalPayout = totalPayout.Add(payout)
		}
		if err := c.settlePremium(ctx, rider, esc, totals, report); err != nil {
			return err
		}
		if err := c.Escrows.Close(ctx, esc.ID); err != nil {
			return err
		}
	}

	// the driver's own escrow holds at most a premium; settle it and return
	// any remaining net
	if esc, ok, err := c.escrowFor(ctx, driver); err != nil {
		return err
	} else if ok {
		totals, err := c.Escrows.Totals(ctx, esc.ID)
		if err != nil {
			return err
		}
		if totals.Net.IsPositive() {
			if _, err := c.Escrows.Release(ctx, esc, driverWallet, totals.Net, models.ActFareRefund,
				settleKey(esc.ID, models.ActFareRefund)); err != nil {
				return err
			}
		}
		if err := c.settlePremium(ctx, driver, esc, totals, report); err != nil {
			return err
		}
		if err := c.Escrows.Close(ctx, esc.ID); err != nil {
			return err
		}
	}

	report.PayoutAmount = totalPayout
	return nil
}

// settlePremium converts a held ERH premium into a platform charge when the
// feature was used, or returns it to the user when it was not.
func (c *Coordinator) settlePremium(ctx context.Context, r models.Reservation, esc models.EscrowAccount, totals models.EscrowTotals, report *models.SettlementReport) error {
	if !totals.HasPremium || !totals.Premium.IsPositive() {
		return nil
	}
	if r.PremiumUsed {
		if _, err := c.Escrows.Release(ctx, esc, c.Ledger.PlatformAccountID(), totals.Premium,
			models.ActPayErhPremium, settleKey(esc.ID, models.ActPayErhPremium)); err != nil {
			return err
		}
		report.PremiumOutcome = models.PremiumCharged
		return nil
	}
	if _, err := c.Escrows.Release(ctx, esc, ledger.WalletAccountID(r.UserID), totals.Premium,
		models.ActReturnErhPremium, settleKey(esc.ID, models.ActReturnErhPremium)); err != nil {
		return err
	}
	if report.PremiumOutcome == models.PremiumNone {
		report.PremiumOutcome = models.PremiumReturned
	}
	return nil
}

// splitFare applies the fee schedule. When the margin is too thin for both
// fees the driver-side fee is waived so the payout never goes negative.
func splitFare(net, payerFee, payeeFee decimal.Decimal) (payout, passengerFee, driverFee decimal.Decimal) {
	passengerFee = payerFee
	if net.GreaterThan(payerFee.Add(payeeFee)) {
		driverFee = payeeFee
		payout = net.Sub(payerFee).Sub(payeeFee)
		return
	}
	driverFee = decimal.Zero
	payout = net.Sub(payerFee)
	if passengerFee.GreaterThan(net) {
		passengerFee = net // never take more fee than was held
	}
	return
}

func settleKey(escrowID string, activity models.ActivityType) string {
	return "settle:" + escrowID + ":" + string(activity)
}

func (c *Coordinator) escrowFor(ctx context.Context, r models.Reservation) (models.EscrowAccount, bool, error) {
	return c.Escrows.ByReservation(ctx, r.UserID, r.ID)
}

// emit publishes events, pings the incentive engine for verified trips and
// pushes user notifications. Everything here is best-effort.
func (c *Coordinator) emit(ctx context.Context, driver models.Reservation, riders []models.Reservation, report *models.SettlementReport) {
	now := time.Now()
	for _, r := range append([]models.Reservation{driver}, riders...) {
		distance := geo.DistanceMeters(r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon)
		ev := models.SettlementEvent{
			OfferID:        report.OfferID,
			ReservationID:  r.ID,
			UserID:         r.UserID,
			Role:           r.Role,
			Verified:       report.Verified,
			PremiumOutcome: report.PremiumOutcome,
			DistanceMeters: distance,
			TravelMode:     r.TravelMode,
			Telework:       c.isCommute(r),
			OccurredAt:     now,
		}
		if r.Role == models.RoleDriver {
			ev.Payout = report.PayoutAmount
		}
		if c.Events != nil {
			if err := c.Events.PublishSettlement(ev); err != nil {
				c.logger().Warn("settlement event publish failed", "reservation_id", r.ID, "error", err)
				report.Errors = append(report.Errors, fmt.Sprintf("publish %s: %v", r.ID, err))
			}
		}
		if c.Incentive != nil && report.Verified {
			if err := c.Incentive.Evaluate(r.ID, true, distance, r.TravelMode); err != nil {
				c.logger().Warn("incentive evaluate failed", "reservation_id", r.ID, "error", err)
				report.Errors = append(report.Errors, fmt.Sprintf("incentive %s: %v", r.ID, err))
			}
		}
		if c.Notify != nil {
			c.Notify.Notify(r.UserID, ev)
		}
	}
}

// isCommute reports whether either trip endpoint is within 100m of the
// user's registered workplace.
func (c *Coordinator) isCommute(r models.Reservation) bool {
	if c.Workplaces == nil {
		return false
	}
	wp, ok := c.Workplaces.Workplace(r.UserID)
	if !ok {
		return false
	}
	return geo.DistanceMeters(r.Origin.Lat, r.Origin.Lon, wp.Lat, wp.Lon) <= teleworkRadiusMeters ||
		geo.DistanceMeters(r.Destination.Lat, r.Destination.Lon, wp.Lat, wp.Lon) <= teleworkRadiusMeters
}
