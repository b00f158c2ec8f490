// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package pipeline

import "fmt"

// PersistenceError reports a batch that could not be persisted after all
// retries. The batch is parked in the dead-letter store when this is
// returned.
type PersistenceError struct {
	BatchID  string
	Attempts int
	Cause    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("pipeline: batch %s failed after %d attempts: %v", e.BatchID, e.Attempts, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
