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
	"context"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/catalog"
)

// ProgressFunc receives status updates from a running transfer.
type ProgressFunc func(DownloadStatus)

// Request describes one transfer.
type Request struct {
	// TaskID is the task the download was requested from.
	TaskID string

	// Model is the model to fetch. Read-only.
	Model *catalog.Model

	// AccessToken is sent as a bearer token when non-empty.
	AccessToken string

	// SessionID identifies this attempt in logs.
	SessionID string
}

// Transfer moves model bytes from the network to disk.
//
// # Contract
//
//   - Start returns immediately; work runs in the background.
//   - A running transfer emits IN_PROGRESS updates with monotonically
//     increasing ReceivedBytes, optionally UNZIPPING, and then exactly one
//     of SUCCEEDED or FAILED.
//   - Cancellation is cooperative. A cancelled transfer stops without a
//     terminal update and leaves its "<file>.tmp" artifact for resumption.
//   - Implementations own chunking, transient retry and temp naming.
//
// Implementations must be safe for concurrent use.
type Transfer interface {
	// Start begins fetching req.Model. A second Start for the same model
	// cancels the first.
	Start(ctx context.Context, req Request, onProgress ProgressFunc)

	// Cancel stops the transfer for the named model and blocks until it
	// has exited or ctx is done. No update is delivered after it returns
	// nil.
	Cancel(ctx context.Context, modelName string) error

	// CancelAll stops every transfer and blocks until they have exited or
	// ctx is done.
	CancelAll(ctx context.Context) error
}
