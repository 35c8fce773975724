package fees

import (
	"testing"

	"rentledger/internal/common/money"
	"rentledger/internal/domain"
)

func TestCompute_RentSplit(t *testing.T) {
	// 1000.00 USD at 2.5% -> fee 25.00, net 975.00
	split := Compute(domain.KindRent, money.New(100000, money.USD))

	if split.Fee.AmountMinor != 2500 {
		t.Errorf("expected fee 2500, got %d", split.Fee.AmountMinor)
	}
	if split.Net.AmountMinor != 97500 {
		t.Errorf("expected net 97500, got %d", split.Net.AmountMinor)
	}
	if split.PctBps != 250 {
		t.Errorf("expected 250 bps, got %d", split.PctBps)
	}
}

func TestCompute_Conservation(t *testing.T) {
	amounts := []int64{1, 3, 99, 100, 101, 12345, 100000, 4999999999}
	kinds := []domain.PaymentKind{domain.KindRent, domain.KindBuy, domain.KindSubscription}

	for _, kind := range kinds {
		for _, amt := range amounts {
			split := Compute(kind, money.New(amt, money.NGN))
			if split.Fee.AmountMinor+split.Net.AmountMinor != amt {
				t.Errorf("%s/%d: fee %d + net %d != amount", kind, amt,
					split.Fee.AmountMinor, split.Net.AmountMinor)
			}
			if split.Fee.AmountMinor < 0 || split.Net.AmountMinor < 0 {
				t.Errorf("%s/%d: negative component", kind, amt)
			}
		}
	}
}

func TestCompute_SubscriptionHasNoFee(t *testing.T) {
	split := Compute(domain.KindSubscription, money.New(50000, money.NGN))
	if split.Fee.AmountMinor != 0 {
		t.Errorf("expected zero fee, got %d", split.Fee.AmountMinor)
	}
	if split.Net.AmountMinor != 50000 {
		t.Errorf("expected full net, got %d", split.Net.AmountMinor)
	}
}

func TestCompute_FailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		kind   domain.PaymentKind
		amount int64
	}{
		{"unknown kind", domain.PaymentKind("consulting"), 100000},
		{"zero amount", domain.KindRent, 0},
		{"negative amount", domain.KindRent, -500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			split := Compute(tt.kind, money.New(tt.amount, money.NGN))
			if split.Fee.AmountMinor != 0 || split.Net.AmountMinor != 0 || split.PctBps != 0 {
				t.Errorf("expected zero split, got fee=%d net=%d pct=%d",
					split.Fee.AmountMinor, split.Net.AmountMinor, split.PctBps)
			}
		})
	}
}

func TestCompute_FeeNeverExceedsAmount(t *testing.T) {
	// Tiny amounts round the fee up; it must still be clamped to the amount
	split := Compute(domain.KindRent, money.New(1, money.NGN))
	if split.Fee.AmountMinor > 1 {
		t.Errorf("fee %d exceeds amount 1", split.Fee.AmountMinor)
	}
	if split.Fee.AmountMinor+split.Net.AmountMinor != 1 {
		t.Errorf("split does not conserve amount 1")
	}
}
