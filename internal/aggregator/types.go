// Package aggregator talks to the TrueLayer Data API on behalf of users. It owns
// the per-user OAuth tokens and the ledger of consumed authorization codes.
package aggregator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the TrueLayer application settings.
type Config struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	AuthURL      string        `mapstructure:"auth_url"`
	TokenURL     string        `mapstructure:"token_url"`
	APIURL       string        `mapstructure:"api_url"`
	Scopes       []string      `mapstructure:"scopes"`
	Providers    []string      `mapstructure:"providers"`
	Timeout      time.Duration `mapstructure:"timeout"`
	StateSecret  string        `mapstructure:"state_secret"`
	StateTTL     time.Duration `mapstructure:"state_ttl"`
	CodeTTL      time.Duration `mapstructure:"code_ttl"`
}

// RawAccount is an account as returned by the accounts endpoint.
type RawAccount struct {
	AccountID       string    `json:"account_id"`
	AccountType     string    `json:"account_type"`
	DisplayName     string    `json:"display_name"`
	Currency        string    `json:"currency"`
	UpdateTimestamp Timestamp `json:"update_timestamp"`
	Provider        struct {
		ProviderID  string `json:"provider_id"`
		DisplayName string `json:"display_name"`
	} `json:"provider"`
}

// RawBalance is the balance of one account.
type RawBalance struct {
	Currency        string          `json:"currency"`
	Available       decimal.Decimal `json:"available"`
	Current         decimal.Decimal `json:"current"`
	UpdateTimestamp Timestamp       `json:"update_timestamp"`
}

// RawTransaction is a transaction as returned by the transactions endpoint.
type RawTransaction struct {
	TransactionID       string          `json:"transaction_id"`
	Timestamp           Timestamp       `json:"timestamp"`
	Description         string          `json:"description"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	TransactionType     string          `json:"transaction_type"`
	TransactionCategory string          `json:"transaction_category"`
}

// results is the envelope of every Data API response.
type results[T any] struct {
	Results []T `json:"results"`
}

// Timestamp accepts the ISO-8601 variants the Data API emits, with or without
// a zone offset. Values without an offset are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}
