// Package fees computes the platform fee split for a payment.
package fees

import (
	"rentledger/internal/common/money"
	"rentledger/internal/domain"
)

// Schedule is the fee configuration for one payment kind, in basis
// points with optional minor-unit bounds.
type Schedule struct {
	PctBps   int64
	MinMinor int64
	MaxMinor int64 // 0 means no cap
}

var schedules = map[domain.PaymentKind]Schedule{
	domain.KindRent:         {PctBps: 250},
	domain.KindBuy:          {PctBps: 250},
	domain.KindSubscription: {PctBps: 0},
}

// ScheduleFor returns the fee schedule for a payment kind.
func ScheduleFor(kind domain.PaymentKind) (Schedule, bool) {
	s, ok := schedules[kind]
	return s, ok
}

// Split is the result of dividing a payment amount between the
// platform and the payee. Fee + Net always equals the input amount.
type Split struct {
	Fee    money.Money `json:"fee"`
	Net    money.Money `json:"net"`
	PctBps int64       `json:"pct_bps"`
}

// Compute splits an amount for the given payment kind. An unknown kind
// or non-positive amount fails closed to a zero split so no money ever
// moves on a misconfigured fee table.
func Compute(kind domain.PaymentKind, amount money.Money) Split {
	zero := Split{
		Fee: money.Zero(amount.Currency),
		Net: money.Zero(amount.Currency),
	}

	sched, ok := schedules[kind]
	if !ok || !amount.IsPositive() {
		return zero
	}

	fee := amount.Percentage(sched.PctBps)
	if fee.AmountMinor < sched.MinMinor {
		fee.AmountMinor = sched.MinMinor
	}
	if sched.MaxMinor > 0 && fee.AmountMinor > sched.MaxMinor {
		fee.AmountMinor = sched.MaxMinor
	}
	if fee.AmountMinor > amount.AmountMinor {
		fee.AmountMinor = amount.AmountMinor
	}
	if fee.AmountMinor < 0 {
		fee.AmountMinor = 0
	}

	net := money.New(amount.AmountMinor-fee.AmountMinor, amount.Currency)
	if net.IsNegative() {
		net = money.Zero(amount.Currency)
	}

	return Split{Fee: fee, Net: net, PctBps: sched.PctBps}
}
