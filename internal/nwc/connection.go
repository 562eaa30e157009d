package nwc

import (
	"fmt"
	"strings"
	"time"
)

// BudgetRenewal is the cadence at which a connection's spend counter
// resets.
type BudgetRenewal string

const (
	BudgetRenewalNever   BudgetRenewal = "never"
	BudgetRenewalDaily   BudgetRenewal = "daily"
	BudgetRenewalWeekly  BudgetRenewal = "weekly"
	BudgetRenewalMonthly BudgetRenewal = "monthly"
	BudgetRenewalYearly  BudgetRenewal = "yearly"
)

// Renewal periods are fixed durations: a month is 30 days and a year is
// 365. Not calendar arithmetic.
var budgetRenewalPeriods = map[BudgetRenewal]time.Duration{
	BudgetRenewalDaily:   24 * time.Hour,
	BudgetRenewalWeekly:  7 * 24 * time.Hour,
	BudgetRenewalMonthly: 30 * 24 * time.Hour,
	BudgetRenewalYearly:  365 * 24 * time.Hour,
}

// Period returns the renewal duration, or false for "never" and unknown
// values.
func (r BudgetRenewal) Period() (time.Duration, bool) {
	d, ok := budgetRenewalPeriods[r]
	return d, ok
}

// ParseBudgetRenewal validates a renewal value from config or user input.
func ParseBudgetRenewal(s string) (BudgetRenewal, error) {
	r := BudgetRenewal(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return BudgetRenewalNever, nil
	}
	switch r {
	case BudgetRenewalNever, BudgetRenewalDaily, BudgetRenewalWeekly,
		BudgetRenewalMonthly, BudgetRenewalYearly:
		return r, nil
	}
	return "", fmt.Errorf("unknown budget renewal %q", s)
}

// Connection is one remote application's authority to act on the wallet:
// its routing identity, permission set, budget state and expiry. The
// private key lives in the KeyStore, never here.
type Connection struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Pubkey          string        `json:"pubkey"`
	RelayURL        string        `json:"relay_url"`
	Permissions     []string      `json:"permissions"`
	CreatedAt       time.Time     `json:"created_at"`
	LastUsed        *time.Time    `json:"last_used,omitempty"`
	TotalSpendSats  int64         `json:"total_spend_sats"`
	MaxAmountSats   int64         `json:"max_amount_sats,omitempty"`
	BudgetRenewal   BudgetRenewal `json:"budget_renewal,omitempty"`
	LastBudgetReset *time.Time    `json:"last_budget_reset,omitempty"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
}

// IsExpired reports whether the connection's expiry has passed. Expired
// connections are excluded from subscriptions and cannot spend.
func (c *Connection) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// HasBudgetLimit reports whether a spend ceiling is configured.
func (c *Connection) HasBudgetLimit() bool {
	return c.MaxAmountSats > 0
}

// RemainingBudget returns the sats still spendable and whether a limit
// applies at all. With no limit the first value is meaningless.
func (c *Connection) RemainingBudget() (int64, bool) {
	if !c.HasBudgetLimit() {
		return 0, false
	}
	remaining := c.MaxAmountSats - c.TotalSpendSats
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// BudgetUsagePercent returns spend as a percentage of the ceiling,
// clamped to [0, 100]. Unlimited connections report 0.
func (c *Connection) BudgetUsagePercent() float64 {
	if !c.HasBudgetLimit() {
		return 0
	}
	pct := float64(c.TotalSpendSats) / float64(c.MaxAmountSats) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// CanSpend reports whether spending amountSats would stay within the
// ceiling. Always true without a limit.
func (c *Connection) CanSpend(amountSats int64) bool {
	if !c.HasBudgetLimit() {
		return true
	}
	return c.TotalSpendSats+amountSats <= c.MaxAmountSats
}

// NeedsBudgetReset reports whether the renewal period has elapsed since
// the last reset. A budgeted connection that has never reset needs one.
func (c *Connection) NeedsBudgetReset() bool {
	if !c.HasBudgetLimit() {
		return false
	}
	period, ok := c.BudgetRenewal.Period()
	if !ok {
		return false
	}
	if c.LastBudgetReset == nil {
		return true
	}
	return time.Since(*c.LastBudgetReset) >= period
}

// AddSpending commits an authorized spend. The caller is responsible for
// having checked CanSpend first.
func (c *Connection) AddSpending(amountSats int64) error {
	if amountSats < 0 {
		return fmt.Errorf("spend amount must be non-negative, got %d", amountSats)
	}
	c.TotalSpendSats += amountSats
	return nil
}

// ResetBudget zeroes the spend counter and stamps the reset time.
func (c *Connection) ResetBudget() {
	c.TotalSpendSats = 0
	now := time.Now().UTC()
	c.LastBudgetReset = &now
}

// HasPermission reports whether the connection may invoke method.
func (c *Connection) HasPermission(method string) bool {
	for _, p := range c.Permissions {
		if p == method {
			return true
		}
	}
	return false
}

func (c *Connection) clone() Connection {
	out := *c
	out.Permissions = append([]string(nil), c.Permissions...)
	if c.LastUsed != nil {
		t := *c.LastUsed
		out.LastUsed = &t
	}
	if c.LastBudgetReset != nil {
		t := *c.LastBudgetReset
		out.LastBudgetReset = &t
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}
