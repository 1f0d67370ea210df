/**
 * @description
 * This file contains the normalizer that converts upstream provider records
 * into canonical ledger payloads. It is pure and total: missing optional
 * fields resolve through fixed fallback chains, and the only failure mode is
 * an unparseable amount, which callers treat as a per-record skip.
 *
 * @notes
 * - The provider reports expenses as positive and income as negative; the
 *   ledger uses the opposite convention, so the amount is negated
 *   unconditionally. A zero amount stays exactly zero.
 * - Amounts arrive in major units and are stored as int64 cents.
 */

package app

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerline/sync-service/internal/domain"
)

const defaultCurrency = "USD"

// NormalizeTransaction converts one upstream transaction record into a
// LocalTransaction payload attached to the given local account row.
func NormalizeTransaction(rec domain.PlaidTransaction, accountID uuid.UUID) (domain.LocalTransaction, error) {
	amount, err := normalizeAmount(rec.Amount)
	if err != nil {
		return domain.LocalTransaction{}, err
	}

	currency := rec.ISOCurrencyCode
	if currency == "" {
		currency = defaultCurrency
	}

	tx := domain.LocalTransaction{
		AccountID:          accountID,
		PlaidTransactionID: rec.TransactionID,
		Amount:             amount,
		Currency:           currency,
		Pending:            rec.Pending,
		Description:        resolveDescription(rec),
		Category:           firstCategory(rec.Category),
		LogoURL:            resolveLogoURL(rec),
		PostedAt:           parseTimestamp(rec),
	}
	if rec.PendingTransactionID != nil && *rec.PendingTransactionID != "" {
		tx.PendingPlaidID = rec.PendingTransactionID
	}
	return tx, nil
}

// normalizeAmount negates the provider amount and converts it to cents.
// Rejects anything that does not parse as a finite number.
func normalizeAmount(raw json.Number) (int64, error) {
	value, err := raw.Float64()
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, ErrInvalidAmount
	}
	if value == 0 {
		return 0, nil
	}
	return int64(math.Round(-value * 100)), nil
}

// resolveDescription falls back merchant name -> original name -> "Unknown".
func resolveDescription(rec domain.PlaidTransaction) string {
	if rec.MerchantName != "" {
		return rec.MerchantName
	}
	if rec.Name != "" {
		return rec.Name
	}
	return "Unknown"
}

// resolveLogoURL falls back direct logo -> first counterparty logo -> nil.
func resolveLogoURL(rec domain.PlaidTransaction) *string {
	if rec.LogoURL != "" {
		url := rec.LogoURL
		return &url
	}
	if len(rec.Counterparties) > 0 && rec.Counterparties[0].LogoURL != "" {
		url := rec.Counterparties[0].LogoURL
		return &url
	}
	return nil
}

func firstCategory(categories []string) *string {
	if len(categories) == 0 || categories[0] == "" {
		return nil
	}
	category := categories[0]
	return &category
}

// parseTimestamp prefers the full datetime, then the calendar date. Returns
// nil when neither is present or parseable.
func parseTimestamp(rec domain.PlaidTransaction) *time.Time {
	if rec.Datetime != "" {
		if ts, err := time.Parse(time.RFC3339, rec.Datetime); err == nil {
			return &ts
		}
	}
	if rec.Date != "" {
		if ts, err := time.Parse("2006-01-02", rec.Date); err == nil {
			return &ts
		}
	}
	return nil
}

// NormalizeBalances converts a provider balance snapshot to cents. Balance
// amounts keep the provider's sign; only transactions flip convention.
func NormalizeBalances(raw domain.PlaidBalances) domain.Balances {
	currency := raw.ISOCurrencyCode
	if currency == "" {
		currency = defaultCurrency
	}
	return domain.Balances{
		Available: balanceCents(raw.Available),
		Current:   balanceCents(raw.Current),
		Currency:  currency,
	}
}

func balanceCents(raw json.Number) int64 {
	value, err := raw.Float64()
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return int64(math.Round(value * 100))
}
