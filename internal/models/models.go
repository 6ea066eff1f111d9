// Package models holds the persisted records of the budgeting backend.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a bank account linked through the aggregator. AccountID is the
// aggregator's identifier and is unique across all users.
type Account struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	AccountID       string              `json:"account_id"`
	AccountType     string              `json:"account_type"`
	DisplayName     string              `json:"display_name"`
	Balance         decimal.NullDecimal `json:"balance"`
	Currency        string              `json:"currency"`
	InstitutionName string              `json:"institution_name"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Transaction is a single movement on an account. Negative amounts are expenses.
// CategoryID is assigned by the user and is empty when uncategorised.
type Transaction struct {
	ID                  string          `json:"id"`
	AccountID           string          `json:"account_id"`
	UserID              string          `json:"user_id"`
	TransactionID       string          `json:"transaction_id"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Description         string          `json:"description"`
	TransactionType     string          `json:"transaction_type"`
	TransactionCategory string          `json:"transaction_category"`
	Timestamp           time.Time       `json:"timestamp"`
	CategoryID          string          `json:"category_id,omitempty"`
}

// Date returns the calendar day of the transaction in UTC.
func (t *Transaction) Date() time.Time {
	return DateOf(t.Timestamp)
}

// HasCategory reports whether the user has assigned a category.
func (t *Transaction) HasCategory() bool {
	return t != nil && t.CategoryID != ""
}

// Budget tracks spending for one category over an inclusive date range.
// SpentAmount is maintained incrementally as transactions attach and detach.
type Budget struct {
	ID              string          `json:"id"`
	CategoryID      string          `json:"category_id"`
	UserID          string          `json:"user_id"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	AssignedAmount  decimal.Decimal `json:"assigned_amount"`
	SpentAmount     decimal.Decimal `json:"spent_amount"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Contains reports whether date falls within the budget period, inclusive.
func (b *Budget) Contains(date time.Time) bool {
	d := DateOf(date)
	return !d.Before(DateOf(b.PeriodStart)) && !d.After(DateOf(b.PeriodEnd))
}

// Overlaps reports whether two budget periods share at least one day.
func (b *Budget) Overlaps(other *Budget) bool {
	return !DateOf(b.PeriodEnd).Before(DateOf(other.PeriodStart)) &&
		!DateOf(other.PeriodEnd).Before(DateOf(b.PeriodStart))
}

// CategoryGroup groups categories for display.
type CategoryGroup struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Category is a user-defined spending category.
type Category struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	GroupID   string    `json:"group_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultCategoryType is used when a category is created without a type.
const DefaultCategoryType = "regular"

// ReadyToAssign is the user's unallocated money.
type ReadyToAssign struct {
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
