package proctor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Test holds the access rules of a test
type Test struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Proctored      bool       `json:"proctoring_enabled"`
	Private        bool       `json:"is_private"`
	InvitedEmails  []string   `json:"invited_emails"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	Paid           bool       `json:"is_paid"`
	PriceUSDC      float64    `json:"price_usdc"`
	CreatorWallet  string     `json:"creator_wallet,omitempty"`
}

// PaymentLookup answers whether a test-taker has a completed payment for a test
type PaymentLookup interface {
	HasCompletedPayment(ctx context.Context, testID, email string) (bool, error)
}

// Access is the outcome of CheckAccess
type Access struct {
	Allowed         bool       `json:"can_access"`
	Reason          string     `json:"reason,omitempty"`
	RequiresPayment bool       `json:"requires_payment,omitempty"`
	Price           float64    `json:"price,omitempty"`
	CreatorWallet   string     `json:"creator_wallet,omitempty"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
}

// CheckAccess applies the invitation, schedule and payment rules in that order
func CheckAccess(ctx context.Context, test *Test, email string, now time.Time, payments PaymentLookup) (Access, error) {
	if test == nil {
		return Access{Reason: "Test not found"}, nil
	}

	if test.Private && !slices.ContainsFunc(test.InvitedEmails, func(e string) bool {
		return strings.EqualFold(e, email)
	}) {
		return Access{Reason: "You are not invited to this test"}, nil
	}

	if test.ScheduledStart != nil {
		if now.Before(*test.ScheduledStart) {
			return Access{
				Reason:         fmt.Sprintf("Test starts on %s", test.ScheduledStart.Format(time.RFC1123)),
				ScheduledStart: test.ScheduledStart,
			}, nil
		}
		if test.ScheduledEnd != nil && now.After(*test.ScheduledEnd) {
			return Access{Reason: "Test has ended", ScheduledEnd: test.ScheduledEnd}, nil
		}
	}

	if test.Paid {
		if payments == nil {
			return Access{}, fmt.Errorf("paid test %s but no payment lookup configured", test.ID)
		}
		paid, err := payments.HasCompletedPayment(ctx, test.ID, email)
		if err != nil {
			return Access{}, fmt.Errorf("failed to check payment: %w", err)
		}
		if !paid {
			return Access{
				Reason:          fmt.Sprintf("This test costs $%g USDC", test.PriceUSDC),
				RequiresPayment: true,
				Price:           test.PriceUSDC,
				CreatorWallet:   test.CreatorWallet,
			}, nil
		}
	}

	return Access{Allowed: true}, nil
}
