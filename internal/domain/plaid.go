/**
 * @description
 * This file defines the wire-level models for records returned by the Plaid
 * API. They are deliberately separate from the ledger models in
 * connection.go: upstream records carry the provider's sign convention and
 * optional fields, and only the normalizer is allowed to turn them into
 * LocalTransaction payloads.
 *
 * @notes
 * - Amount is carried as json.Number so an unparseable or non-finite value
 *   can be rejected per record instead of failing the whole decode.
 * - Every optional field tolerates absence; the fallback chains live in the
 *   normalizer, not here.
 */

package domain

import "encoding/json"

// PlaidTransaction is one transaction record as returned by the upstream
// transactions endpoints (both snapshot and incremental shapes).
type PlaidTransaction struct {
	TransactionID        string             `json:"transaction_id"`
	AccountID            string             `json:"account_id"`
	Amount               json.Number        `json:"amount"`
	ISOCurrencyCode      string             `json:"iso_currency_code"`
	Pending              bool               `json:"pending"`
	PendingTransactionID *string            `json:"pending_transaction_id"`
	MerchantName         string             `json:"merchant_name"`
	Name                 string             `json:"name"`
	Category             []string           `json:"category"`
	Date                 string             `json:"date"`
	Datetime             string             `json:"datetime"`
	LogoURL              string             `json:"logo_url"`
	Counterparties       []PlaidCounterparty `json:"counterparties"`
}

// PlaidCounterparty is a merchant/intermediary attached to a transaction.
type PlaidCounterparty struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	LogoURL string `json:"logo_url"`
}

// PlaidAccount is one account as returned by the accounts endpoints.
type PlaidAccount struct {
	AccountID    string        `json:"account_id"`
	Name         string        `json:"name"`
	OfficialName string        `json:"official_name"`
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype"`
	Balances     PlaidBalances `json:"balances"`
}

// PlaidBalances carries the provider's balance snapshot in major units.
type PlaidBalances struct {
	Available       json.Number `json:"available"`
	Current         json.Number `json:"current"`
	ISOCurrencyCode string      `json:"iso_currency_code"`
}
