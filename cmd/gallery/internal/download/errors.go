// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package download

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
)

// TransferErrorType categorizes transfer failures.
type TransferErrorType int

const (
	// TransferErrorConnection means the host could not be reached or the
	// connection dropped mid-stream.
	TransferErrorConnection TransferErrorType = iota

	// TransferErrorHTTPStatus means the server answered with an unusable
	// status code.
	TransferErrorHTTPStatus

	// TransferErrorFilesystem means a local read/write/rename failed.
	TransferErrorFilesystem

	// TransferErrorUnzip means archive expansion failed.
	TransferErrorUnzip
)

// String returns the type as an upper-case identifier.
func (t TransferErrorType) String() string {
	switch t {
	case TransferErrorConnection:
		return "CONNECTION_FAILED"
	case TransferErrorHTTPStatus:
		return "HTTP_STATUS"
	case TransferErrorFilesystem:
		return "FILESYSTEM"
	case TransferErrorUnzip:
		return "UNZIP_FAILED"
	default:
		return "UNKNOWN"
	}
}

// TransferError describes a failed file transfer.
type TransferError struct {
	Type        TransferErrorType
	Model       string
	StatusCode  int
	Message     string
	Detail      string
	Remediation string
	Retryable   bool
	Err         error
}

func (e *TransferError) Error() string {
	return e.Message
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// FullError returns the message with model, detail and remediation.
func (e *TransferError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Model != "" {
		buf.WriteString(fmt.Sprintf(" (model: %s)", e.Model))
	}
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// isRetryable reports whether err is worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func statusError(model string, code int) *TransferError {
	te := &TransferError{
		Type:       TransferErrorHTTPStatus,
		Model:      model,
		StatusCode: code,
		Message:    fmt.Sprintf("server returned status %d", code),
	}
	switch {
	case code == 401 || code == 403:
		te.Remediation = "Sign in again or accept the model's license agreement"
	case code == 404:
		te.Remediation = "The model file no longer exists at this URL; refresh the allowlist"
	case code == 429 || code >= 500:
		te.Retryable = true
	}
	return te
}
