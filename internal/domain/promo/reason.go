package promo

// Reason explains why a code was rejected. The zero value means accepted.
type Reason string

// Rejection reasons, in the order the validator checks them.
const (
	ReasonNone                  Reason = ""
	ReasonNotFound              Reason = "not_found"
	ReasonInactive              Reason = "inactive"
	ReasonNotYetValid           Reason = "not_yet_valid"
	ReasonExpired               Reason = "expired"
	ReasonMaxUsesReached        Reason = "max_uses_reached"
	ReasonUserMaxUsesReached    Reason = "user_max_uses_reached"
	ReasonMinimumPurchaseNotMet Reason = "minimum_purchase_not_met"
	ReasonScopeMismatch         Reason = "scope_mismatch"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:              "promo code not found",
	ReasonInactive:              "promo code is inactive",
	ReasonNotYetValid:           "promo code is not valid yet",
	ReasonExpired:               "promo code has expired",
	ReasonMaxUsesReached:        "promo code usage limit reached",
	ReasonUserMaxUsesReached:    "promo code already used the maximum number of times by this user",
	ReasonMinimumPurchaseNotMet: "purchase amount is below the promo code minimum",
	ReasonScopeMismatch:         "promo code does not apply to this purchase",
}

// Message returns a human-readable description of r.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return "promo code accepted"
}

// Rejected reports whether r is a rejection.
func (r Reason) Rejected() bool { return r != ReasonNone }
