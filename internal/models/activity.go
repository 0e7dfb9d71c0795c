package models

// ActivityType tags every ledger entry with the business meaning of the
// movement. The income/outgoing and net/premium classification below is the
// single source of truth for escrow sub-total bookkeeping.
type ActivityType string

const (
	// escrow inflows
	ActCarpoolFare ActivityType = "CARPOOL_FARE" // rider fare held at booking
	ActErhPremium  ActivityType = "ERH_PREMIUM"  // enhanced-routing premium held at booking

	// escrow outflows
	ActDriverPayout     ActivityType = "DRIVER_PAYOUT"
	ActPassengerFee     ActivityType = "PASSENGER_FEE"
	ActDriverFee        ActivityType = "DRIVER_FEE"
	ActFareRefund       ActivityType = "FARE_REFUND"
	ActPayErhPremium    ActivityType = "PAY_ERH_PREMIUM"
	ActReturnErhPremium ActivityType = "RETURN_ERH_PREMIUM"

	// wallet-only movements
	ActWalletRefill ActivityType = "WALLET_REFILL" // auto-refill card charge credit
)

type activityClass struct {
	Income  bool
	Premium bool
}

var activityClasses = map[ActivityType]activityClass{
	ActCarpoolFare:      {Income: true, Premium: false},
	ActErhPremium:       {Income: true, Premium: true},
	ActDriverPayout:     {Income: false, Premium: false},
	ActPassengerFee:     {Income: false, Premium: false},
	ActDriverFee:        {Income: false, Premium: false},
	ActFareRefund:       {Income: false, Premium: false},
	ActPayErhPremium:    {Income: false, Premium: true},
	ActReturnErhPremium: {Income: false, Premium: true},
	ActWalletRefill:     {Income: true, Premium: false},
}

// Income reports whether the activity adds to an escrow (funding) as opposed
// to paying out of it.
func (a ActivityType) Income() bool { return activityClasses[a].Income }

// PremiumClass reports whether the activity belongs to the ERH premium
// sub-total rather than the net fare sub-total.
func (a ActivityType) PremiumClass() bool { return activityClasses[a].Premium }

// Known reports whether a is a recognized activity type.
func (a ActivityType) Known() bool {
	_, ok := activityClasses[a]
	return ok
}
