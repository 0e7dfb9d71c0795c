package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TrajectoryPoint is one GPS sample uploaded by a mobile client during a trip.
// Points are append-only and ordered by timestamp per (user, trip).
type TrajectoryPoint struct {
	UserID    string    `json:"user_id"`
	TripID    string    `json:"trip_id"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     float64   `json:"speed"`    // m/s as reported by the device
	Accuracy  float64   `json:"accuracy"` // meters
}

type Role string

const (
	RoleDriver Role = "DRIVER"
	RoleRider  Role = "RIDER"
)

type Reservation struct {
	ID                 string
	UserID             string
	Role               Role
	OfferID            string // groups the driver and riders of one carpool
	TripID             string
	TravelMode         string // "duo" for carpool, anything else is ordinary travel
	Status             Status
	Origin             Coord
	Destination        Coord
	StartedOn          time.Time
	EstimatedArrivalOn time.Time
	FromSuggestion     bool // reservation originated from a one-shot suggestion card
	PremiumHeld        bool // ERH premium charge is held in escrow
	PremiumUsed        bool // ERH routing was actually delivered during the trip
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// VerificationResult is the outcome of matching one rider trajectory against
// the driver trajectory of the same offer. Recomputation over the same stored
// points always yields the same score.
type VerificationResult struct {
	DriverReservationID string `json:"driver_reservation_id"`
	RiderReservationID  string `json:"rider_reservation_id"`
	Score               int    `json:"score"` // count of matching 5s buckets
	Passed              bool   `json:"passed"`
	MatchedBuckets      []int  `json:"matched_buckets,omitempty"`
}

type AccountKind string

const (
	AccountWallet   AccountKind = "wallet"
	AccountEscrow   AccountKind = "escrow"
	AccountPlatform AccountKind = "platform"
	// AccountClearing is the counterparty for money entering the ledger from
	// outside (card charges). Its balance is allowed to go negative.
	AccountClearing AccountKind = "clearing"
)

type Account struct {
	ID         string
	OwnerID    string
	Kind       AccountKind
	AutoRefill bool
	CreatedAt  time.Time
}

// LedgerEntry is one half of a double-entry pair. Entries are never updated
// or deleted; corrections are new offsetting entries.
type LedgerEntry struct {
	ID             string
	AccountID      string
	EscrowID       string // empty when the entry is not tied to an escrow
	ActivityType   ActivityType
	Amount         decimal.Decimal // negative for the payer, positive for the payee
	BalanceAfter   decimal.Decimal
	ReferenceID    string // id of the paired entry
	IdempotencyKey string
	CreatedAt      time.Time
}

type EscrowStatus string

const (
	EscrowOpen   EscrowStatus = "open"
	EscrowClosed EscrowStatus = "closed"
)

// EscrowAccount custodies funds between booking and trip completion. Its
// balance is derived from the ledger entries tagged with its id, never stored.
type EscrowAccount struct {
	ID            string
	UserID        string
	ReservationID string
	OfferID       string
	TripID        string
	AccountID     string // backing ledger account
	Status        EscrowStatus
	CreatedAt     time.Time
}

type EscrowTotals struct {
	Total      decimal.Decimal `json:"total"`
	Net        decimal.Decimal `json:"net"`        // remaining fare balance
	NetFunded  decimal.Decimal `json:"net_funded"` // fare paid in, ignoring outflows
	Premium    decimal.Decimal `json:"premium"`
	HasPremium bool            `json:"has_premium"`
}

type PremiumOutcome string

const (
	PremiumNone     PremiumOutcome = "none"
	PremiumCharged  PremiumOutcome = "charged"
	PremiumReturned PremiumOutcome = "returned"
)

type SettlementReport struct {
	OfferID        string               `json:"offer_id"`
	Verified       bool                 `json:"verified"`
	Results        []VerificationResult `json:"results"`
	PayoutAmount   decimal.Decimal      `json:"payout_amount"`
	PremiumOutcome PremiumOutcome       `json:"premium_outcome"`
	Errors         []string             `json:"errors,omitempty"`
}

// SettlementEvent is published after settlement for the incentive engine,
// telework commute logging and user notification.
type SettlementEvent struct {
	OfferID        string          `json:"offer_id"`
	ReservationID  string          `json:"reservation_id"`
	UserID         string          `json:"user_id"`
	Role           Role            `json:"role"`
	Verified       bool            `json:"verified"`
	Payout         decimal.Decimal `json:"payout"`
	PremiumOutcome PremiumOutcome  `json:"premium_outcome"`
	DistanceMeters float64         `json:"distance_meters"`
	TravelMode     string          `json:"travel_mode"`
	Telework       bool            `json:"telework"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
