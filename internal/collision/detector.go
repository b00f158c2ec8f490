// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package collision groups near-simultaneous reads on one reader/antenna
// into collision events. Detection runs once per sealed batch, scoped to
// that batch's events; a collision split across two batches may be
// undercounted, which is an accepted limitation of batch-boundary
// detection.
package collision

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// Event is a detected tag collision: too many distinct tags answered on
// one reader/antenna within the grouping window. Immutable once recorded.
type Event struct {
	ID       string
	ReaderID string
	Antenna  int
	TagIDs   []string
	// Samples are the signal strengths of the grouped reads, in read
	// order.
	Samples     []float64
	WindowStart time.Time
	WindowEnd   time.Time
}

// TagCount returns the number of distinct tags involved.
func (e *Event) TagCount() int { return len(e.TagIDs) }

// Config tunes detection.
type Config struct {
	// Window is the maximum gap between consecutive reads for them to
	// stay in one group.
	Window time.Duration

	// MinTags is the minimum distinct tag count for a group to qualify.
	MinTags int
}

// DefaultConfig returns the documented defaults: 100ms window, 3 tags.
func DefaultConfig() Config {
	return Config{Window: 100 * time.Millisecond, MinTags: 3}
}

// Detector finds collisions within sealed batches. Stateless across
// batches; safe for concurrent use.
type Detector struct {
	cfg Config
}

// NewDetector builds a detector.
func NewDetector(cfg Config) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MinTags <= 0 {
		cfg.MinTags = DefaultConfig().MinTags
	}
	return &Detector{cfg: cfg}
}

// antennaKey scopes grouping to a single reader and antenna.
type antennaKey struct {
	readerID string
	antenna  int
}

// Detect scans one batch's events and returns any collision events.
// Events are grouped per reader/antenna, sorted by timestamp, and split
// whenever the gap between consecutive reads exceeds the window.
func (d *Detector) Detect(events []*protocol.TagRead) []*Event {
	byAntenna := make(map[antennaKey][]*protocol.TagRead)
	for _, ev := range events {
		key := antennaKey{readerID: ev.ReaderID, antenna: ev.Antenna}
		byAntenna[key] = append(byAntenna[key], ev)
	}

	var out []*Event
	for key, reads := range byAntenna {
		sort.SliceStable(reads, func(i, j int) bool {
			return reads[i].Timestamp.Before(reads[j].Timestamp)
		})

		start := 0
		for i := 1; i <= len(reads); i++ {
			if i < len(reads) && reads[i].Timestamp.Sub(reads[i-1].Timestamp) <= d.cfg.Window {
				continue
			}
			if ev := d.group(key, reads[start:i]); ev != nil {
				out = append(out, ev)
				metrics.CollisionsDetected.WithLabelValues(key.readerID).Inc()
			}
			start = i
		}
	}
	return out
}

// group turns one gap-bounded run of reads into an Event when it involves
// enough distinct tags.
func (d *Detector) group(key antennaKey, reads []*protocol.TagRead) *Event {
	if len(reads) < d.cfg.MinTags {
		return nil
	}

	seen := make(map[string]bool)
	tags := make([]string, 0, len(reads))
	samples := make([]float64, 0, len(reads))
	for _, r := range reads {
		if !seen[r.TagID] {
			seen[r.TagID] = true
			tags = append(tags, r.TagID)
		}
		samples = append(samples, r.RSSI)
	}
	if len(tags) < d.cfg.MinTags {
		return nil
	}

	return &Event{
		ID:          uuid.NewString(),
		ReaderID:    key.readerID,
		Antenna:     key.antenna,
		TagIDs:      tags,
		Samples:     samples,
		WindowStart: reads[0].Timestamp,
		WindowEnd:   reads[len(reads)-1].Timestamp,
	}
}
