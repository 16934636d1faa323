// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gallery

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/access"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/auth"
	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

// Outcome is the result of a download request.
type Outcome string

const (
	// OutcomeStarted means a transfer is running.
	OutcomeStarted Outcome = "STARTED"

	// OutcomeAlreadyActive means a transfer for the model was already running.
	OutcomeAlreadyActive Outcome = "ALREADY_ACTIVE"

	// OutcomeNeedsAgreement means the user must accept the publisher's
	// terms at AgreementURL, then call AcknowledgeAgreement.
	OutcomeNeedsAgreement Outcome = "NEEDS_AGREEMENT"

	// OutcomeUserCancelled means the user abandoned authorization.
	OutcomeUserCancelled Outcome = "USER_CANCELLED"

	// OutcomeAuthFailed means access could not be obtained.
	OutcomeAuthFailed Outcome = "AUTH_FAILED"

	// OutcomeNetworkError means the access probe could not reach the host.
	OutcomeNetworkError Outcome = "NETWORK_ERROR"
)

// Result describes what Download or AcknowledgeAgreement did.
type Result struct {
	Outcome      Outcome `json:"outcome"`
	AgreementURL string  `json:"agreementUrl,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// Download runs the access flow for a model and starts its transfer when
// access is granted.
//
// # Description
//
// The flow, in order:
//
//  1. Probe without a token. 200 starts the transfer.
//  2. With a NOT_EXPIRED stored token, probe again with it. 200 starts.
//  3. Otherwise run the token exchange. USER_CANCELLED and FAILED end here.
//  4. Probe with the fresh token. 200 starts; 403 asks for the publisher
//     agreement.
//
// A network error at any probe ends the flow with OutcomeNetworkError.
//
// # Outputs
//
//   - Result: What happened.
//   - error: Unknown task or model.
func (s *Service) Download(ctx context.Context, taskID, name string) (Result, error) {
	m, err := s.registry.ModelInTask(taskID, name)
	if err != nil {
		return Result{}, err
	}

	ctx, span := tracer.Start(ctx, "Service.Download",
		trace.WithAttributes(attribute.String("model", name), attribute.String("task", taskID)))
	defer span.End()

	if st, ok := s.tracker.Status(name); ok && st.Status.IsActive() {
		return Result{Outcome: OutcomeAlreadyActive}, nil
	}

	code := s.prober.Probe(ctx, m.URL, "")
	switch code {
	case http.StatusOK:
		return s.start(ctx, taskID, m, ""), nil
	case access.StatusUnknownNetworkError:
		return networkError(), nil
	}
	s.logger.Debug("Model requires authorization", "model", name, "status", code)

	rec, tokenStatus := s.tokens.Load(ctx)
	if tokenStatus == auth.TokenNotExpired {
		code = s.prober.Probe(ctx, m.URL, rec.AccessToken)
		switch code {
		case http.StatusOK:
			return s.start(ctx, taskID, m, rec.AccessToken), nil
		case access.StatusUnknownNetworkError:
			return networkError(), nil
		}
		s.logger.Info("Stored token rejected, re-authorizing", "model", name, "status", code)
	}

	result := s.exchangeAndStart(ctx, taskID, m)
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	return result, nil
}

func (s *Service) exchangeAndStart(ctx context.Context, taskID string, m *catalog.Model) Result {
	ex := s.tokens.Exchange(ctx)
	switch ex.Outcome {
	case auth.ExchangeUserCancelled:
		s.logger.Info("Authorization cancelled", "model", m.Name)
		return Result{Outcome: OutcomeUserCancelled}
	case auth.ExchangeFailed:
		return Result{Outcome: OutcomeAuthFailed, Reason: ex.Reason}
	}

	token := ex.Record.AccessToken
	code := s.prober.Probe(ctx, m.URL, token)
	switch code {
	case http.StatusOK:
		return s.start(ctx, taskID, m, token)
	case http.StatusForbidden:
		s.logger.Info("Publisher agreement required", "model", m.Name, "url", m.LearnMoreURL)
		return Result{Outcome: OutcomeNeedsAgreement, AgreementURL: m.LearnMoreURL}
	case access.StatusUnknownNetworkError:
		return networkError()
	default:
		return Result{Outcome: OutcomeAuthFailed, Reason: fmt.Sprintf("access denied with status %d", code)}
	}
}

// AcknowledgeAgreement re-probes a model after the user accepted its
// publisher agreement. Access still denied marks the model FAILED.
func (s *Service) AcknowledgeAgreement(ctx context.Context, taskID, name string) (Result, error) {
	m, err := s.registry.ModelInTask(taskID, name)
	if err != nil {
		return Result{}, err
	}

	ctx, span := tracer.Start(ctx, "Service.AcknowledgeAgreement",
		trace.WithAttributes(attribute.String("model", name)))
	defer span.End()

	token, ok := s.tokens.ValidToken(ctx)
	if !ok {
		return s.exchangeAndStart(ctx, taskID, m), nil
	}

	code := s.prober.Probe(ctx, m.URL, token)
	switch code {
	case http.StatusOK:
		return s.start(ctx, taskID, m, token), nil
	case access.StatusUnknownNetworkError:
		return networkError(), nil
	}

	msg := fmt.Sprintf("access still denied after agreement (status %d)", code)
	s.tracker.MarkFailed(m, msg)
	return Result{Outcome: OutcomeAuthFailed, Reason: msg}, nil
}

func (s *Service) start(ctx context.Context, taskID string, m *catalog.Model, token string) Result {
	s.tracker.BeginDownload(ctx, taskID, m, token)
	return Result{Outcome: OutcomeStarted}
}

func networkError() Result {
	return Result{Outcome: OutcomeNetworkError, Reason: "model host unreachable"}
}
