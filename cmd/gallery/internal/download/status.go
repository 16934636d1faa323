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

// Status is the download state of one model.
type Status string

const (
	StatusNotDownloaded       Status = "NOT_DOWNLOADED"
	StatusPartiallyDownloaded Status = "PARTIALLY_DOWNLOADED"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusUnzipping           Status = "UNZIPPING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
)

// String returns the status name.
func (s Status) String() string {
	return string(s)
}

// IsActive reports whether a transfer is currently driving the status.
func (s Status) IsActive() bool {
	return s == StatusInProgress || s == StatusUnzipping
}

// IsTerminal reports whether the status ends a transfer session.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusNotDownloaded
}

// DownloadStatus is the full download record of one model.
type DownloadStatus struct {
	Status         Status `json:"status"`
	ReceivedBytes  int64  `json:"receivedBytes"`
	TotalBytes     int64  `json:"totalBytes"`
	BytesPerSecond int64  `json:"bytesPerSecond"`
	RemainingMs    int64  `json:"remainingMs"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// Progress returns ReceivedBytes/TotalBytes in [0, 1]. A zero or negative
// total yields 0.
func (d DownloadStatus) Progress() float64 {
	if d.TotalBytes <= 0 || d.ReceivedBytes <= 0 {
		return 0
	}
	p := float64(d.ReceivedBytes) / float64(d.TotalBytes)
	if p > 1 {
		return 1
	}
	return p
}

// NotDownloaded is the zero-progress initial record.
func NotDownloaded() DownloadStatus {
	return DownloadStatus{Status: StatusNotDownloaded}
}
