package proctor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payments map[string]bool

func (p payments) HasCompletedPayment(ctx context.Context, testID, email string) (bool, error) {
	if email == "broken@example.com" {
		return false, errors.New("lookup failed")
	}
	return p[testID+"/"+email], nil
}

func TestCheckAccess(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)
	lookup := payments{"paid/payer@example.com": true}

	tests := []struct {
		name    string
		test    *Test
		email   string
		allowed bool
		reason  string
		payment bool
	}{
		{name: "missing", test: nil, reason: "Test not found"},
		{name: "public", test: &Test{ID: "t"}, email: "a@example.com", allowed: true},
		{name: "private invited", test: &Test{ID: "t", Private: true, InvitedEmails: []string{"A@example.com"}}, email: "a@example.com", allowed: true},
		{name: "private uninvited", test: &Test{ID: "t", Private: true}, email: "a@example.com", reason: "You are not invited to this test"},
		{name: "not started", test: &Test{ID: "t", ScheduledStart: &after}, email: "a@example.com"},
		{name: "ended", test: &Test{ID: "t", ScheduledStart: &before, ScheduledEnd: &before}, email: "a@example.com", reason: "Test has ended"},
		{name: "in window", test: &Test{ID: "t", ScheduledStart: &before, ScheduledEnd: &after}, email: "a@example.com", allowed: true},
		{name: "end without start is ignored", test: &Test{ID: "t", ScheduledEnd: &before}, email: "a@example.com", allowed: true},
		{name: "paid", test: &Test{ID: "paid", Paid: true, PriceUSDC: 5}, email: "payer@example.com", allowed: true},
		{name: "unpaid", test: &Test{ID: "paid", Paid: true, PriceUSDC: 5}, email: "other@example.com", reason: "This test costs $5 USDC", payment: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			access, err := CheckAccess(context.Background(), tt.test, tt.email, now, lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, access.Allowed)
			assert.Equal(t, tt.payment, access.RequiresPayment)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, access.Reason)
			}
		})
	}
}

func TestCheckAccessPaymentErrors(t *testing.T) {
	test := &Test{ID: "paid", Paid: true}

	_, err := CheckAccess(context.Background(), test, "broken@example.com", time.Now(), payments{})
	assert.Error(t, err)

	_, err = CheckAccess(context.Background(), test, "a@example.com", time.Now(), nil)
	assert.Error(t, err)
}
