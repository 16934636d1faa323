// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultScope is requested when no scopes are configured.
const DefaultScope = "read-repos"

// Authorizer runs the interactive authorization step and the
// code-for-token exchange.
type Authorizer interface {
	// Authorize blocks until the user completes or abandons authorization.
	// It returns ErrUserCancelled when the user backs out.
	Authorize(ctx context.Context) (*TokenRecord, error)
}

// OAuthConfig configures OAuthAuthorizer.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string

	// RedirectAddr is the loopback listen address, e.g. "127.0.0.1:8765".
	RedirectAddr string

	Scopes []string

	// Opener presents the authorization URL to the user. Default: log it.
	Opener func(authURL string) error

	Logger *slog.Logger
}

// OAuthAuthorizer implements the authorization code flow with PKCE and a
// loopback redirect.
//
// # Thread Safety
//
// Safe for concurrent use, but concurrent calls compete for the redirect
// address; Manager coalesces them.
type OAuthAuthorizer struct {
	cfg    OAuthConfig
	oauth  *oauth2.Config
	logger *slog.Logger
}

// NewOAuthAuthorizer validates cfg and builds the authorizer.
func NewOAuthAuthorizer(cfg OAuthConfig) (*OAuthAuthorizer, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth client id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("oauth auth and token URLs are required")
	}
	if cfg.RedirectAddr == "" {
		return nil, errors.New("oauth redirect address is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{DefaultScope}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Opener == nil {
		cfg.Opener = func(u string) error {
			logger.Warn("Authorization required; open this URL to continue", "url", u)
			return nil
		}
	}

	return &OAuthAuthorizer{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			RedirectURL: "http://" + cfg.RedirectAddr + "/callback",
			Scopes:      cfg.Scopes,
		},
		logger: logger,
	}, nil
}

type callbackResult struct {
	code string
	err  error
}

// Authorize implements Authorizer.
//
// # Description
//
// Listens on the redirect address, presents the authorization URL, waits
// for the redirect and exchanges the code with the PKCE verifier. An
// "access_denied" redirect or a cancelled ctx yields ErrUserCancelled.
func (a *OAuthAuthorizer) Authorize(ctx context.Context) (*TokenRecord, error) {
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()

	ln, err := net.Listen("tcp", a.cfg.RedirectAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", a.cfg.RedirectAddr, err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res callbackResult
		switch {
		case q.Get("state") != state:
			res.err = errors.New("authorization state mismatch")
		case q.Get("error") == "access_denied":
			res.err = ErrUserCancelled
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization error: %s", q.Get("error"))
		case q.Get("code") == "":
			res.err = errors.New("authorization response missing code")
		default:
			res.code = q.Get("code")
		}
		if res.err != nil {
			http.Error(w, "Authorization did not complete. You can close this window.", http.StatusBadRequest)
		} else {
			_, _ = w.Write([]byte("Authorization complete. You can close this window."))
		}
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
	if err := a.cfg.Opener(authURL); err != nil {
		return nil, fmt.Errorf("present authorization URL: %w", err)
	}

	var res callbackResult
	select {
	case <-ctx.Done():
		return nil, ErrUserCancelled
	case res = <-results:
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := a.oauth.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return recordFromToken(tok), nil
}

func recordFromToken(tok *oauth2.Token) *TokenRecord {
	rec := &TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		rec.ExpiresAtMs = tok.Expiry.UnixMilli()
	}
	return rec
}

var _ Authorizer = (*OAuthAuthorizer)(nil)
