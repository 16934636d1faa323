// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth manages the OAuth access token used for gated model
// downloads: validity checks, the code-for-token exchange and its
// classification.
package auth

import (
	"context"
	"errors"
	"time"
)

// ExpiryBuffer is subtracted from a token's expiry before comparing it with
// the current time, so tokens about to expire are treated as expired.
const ExpiryBuffer = 5 * time.Minute

// ErrUserCancelled is returned by an Authorizer when the user abandoned the
// interactive authorization step.
var ErrUserCancelled = errors.New("authorization cancelled by user")

// ErrNoToken is returned when no usable token is stored.
var ErrNoToken = errors.New("no access token stored")

// TokenRecord is the persisted OAuth token.
type TokenRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
}

// ExpiresAt returns the expiry as a time.
func (r TokenRecord) ExpiresAt() time.Time {
	return time.UnixMilli(r.ExpiresAtMs)
}

// TokenStatus classifies a stored token.
type TokenStatus int

const (
	TokenNotStored TokenStatus = iota
	TokenExpired
	TokenNotExpired
)

// String returns the status name.
func (s TokenStatus) String() string {
	switch s {
	case TokenNotStored:
		return "NOT_STORED"
	case TokenExpired:
		return "EXPIRED"
	case TokenNotExpired:
		return "NOT_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// StatusOf classifies rec at time now. A nil or empty record is
// NOT_STORED; a record is EXPIRED iff now >= expiry - ExpiryBuffer.
func StatusOf(rec *TokenRecord, now time.Time) TokenStatus {
	if rec == nil || rec.AccessToken == "" {
		return TokenNotStored
	}
	if !now.Before(rec.ExpiresAt().Add(-ExpiryBuffer)) {
		return TokenExpired
	}
	return TokenNotExpired
}

// TokenStore persists the token record. Implementations must encrypt at
// rest.
type TokenStore interface {
	// LoadToken returns the stored record, or nil when none is stored.
	LoadToken(ctx context.Context) (*TokenRecord, error)
	SaveToken(ctx context.Context, rec TokenRecord) error
	ClearToken(ctx context.Context) error
}

// =============================================================================
// Exchange classification
// =============================================================================

// ExchangeOutcome is the classified result of one token exchange.
type ExchangeOutcome int

const (
	ExchangeSucceeded ExchangeOutcome = iota
	ExchangeFailed
	ExchangeUserCancelled
)

// String returns the outcome name.
func (o ExchangeOutcome) String() string {
	switch o {
	case ExchangeSucceeded:
		return "SUCCEEDED"
	case ExchangeFailed:
		return "FAILED"
	case ExchangeUserCancelled:
		return "USER_CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ExchangeResult carries the outcome and, on success, the new record.
type ExchangeResult struct {
	Outcome ExchangeOutcome
	Record  TokenRecord
	Reason  string
}

// ClassifyExchange maps an Authorizer result into exactly one outcome.
// Success requires a non-empty access token, a non-empty refresh token and
// a positive expiry.
func ClassifyExchange(rec *TokenRecord, err error) ExchangeResult {
	switch {
	case errors.Is(err, ErrUserCancelled):
		return ExchangeResult{Outcome: ExchangeUserCancelled}
	case err != nil:
		return ExchangeResult{Outcome: ExchangeFailed, Reason: err.Error()}
	case rec == nil:
		return ExchangeResult{Outcome: ExchangeFailed, Reason: "empty token response"}
	case rec.AccessToken == "":
		return ExchangeResult{Outcome: ExchangeFailed, Reason: "missing access token"}
	case rec.RefreshToken == "":
		return ExchangeResult{Outcome: ExchangeFailed, Reason: "missing refresh token"}
	case rec.ExpiresAtMs <= 0:
		return ExchangeResult{Outcome: ExchangeFailed, Reason: "missing token expiry"}
	}
	return ExchangeResult{Outcome: ExchangeSucceeded, Record: *rec}
}
