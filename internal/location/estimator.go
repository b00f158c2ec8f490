// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package location

import (
	"math"
	"sync"
	"time"

	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// Direction classifies a movement relative to the facility.
type Direction string

const (
	// DirectionIn is the first sighting of a tag (no prior zone).
	DirectionIn Direction = "in"

	// DirectionOut is movement into an exit/dispatch zone.
	DirectionOut Direction = "out"

	// DirectionThrough is any other zone-to-zone movement.
	DirectionThrough Direction = "through"
)

// Estimate is a transient location estimate for one tag. Superseded by
// the next computation, never versioned.
type Estimate struct {
	TagID      string
	Zone       string
	X, Y       float64
	Confidence int // 0..100
	ReaderCount int
	// PrimaryReader is the highest-RSSI reader in the window; rules use
	// it to address reader-side actions (e.g. intensified reads).
	PrimaryReader string
	StrongestRSSI float64
	At            time.Time
}

// Movement is an append-only record of a zone change.
type Movement struct {
	TagID    string
	ItemCode string
	FromZone string
	ToZone   string
	Direction Direction
	// Speed is zone-center distance over elapsed time, units/second.
	Speed    float64
	Duration time.Duration
	At       time.Time
}

// Config tunes the estimator.
type Config struct {
	// Window is the sliding per-tag read window. Estimation tolerates
	// batch-boundary splits because the window is time-based, not
	// batch-based.
	Window time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Window: 2 * time.Second}
}

// windowRead is one read retained in a tag's sliding window.
type windowRead struct {
	readerID string
	rssi     float64
	at       time.Time
}

// tagState is the estimator's per-tag memory.
type tagState struct {
	window   []windowRead
	lastZone string
	lastAt   time.Time
	itemCode string
}

// Estimator computes location estimates by signal-weighted triangulation
// and classifies movements. Safe for concurrent use by the batch
// processing pool.
type Estimator struct {
	cfg   Config
	zones *ZoneMap

	mu   sync.Mutex
	tags map[string]*tagState
}

// NewEstimator builds an estimator over the zone map.
func NewEstimator(zones *ZoneMap, cfg Config) *Estimator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Estimator{
		cfg:   cfg,
		zones: zones,
		tags:  make(map[string]*tagState),
	}
}

// Observe folds one read into the tag's window and recomputes. The
// returned Movement is non-nil only when the estimated zone differs from
// the tag's previously recorded zone; unchanged-zone reads refresh
// confidence and last-seen without producing a movement.
//
// Reads from readers with no zone assignment contribute nothing and
// return (nil, nil).
func (e *Estimator) Observe(ev *protocol.TagRead) (*Estimate, *Movement) {
	if _, ok := e.zones.ReaderZone(ev.ReaderID); !ok {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.tags[ev.TagID]
	if !ok {
		st = &tagState{}
		e.tags[ev.TagID] = st
	}
	if ev.ItemCode != "" {
		st.itemCode = ev.ItemCode
	}

	st.window = append(st.window, windowRead{readerID: ev.ReaderID, rssi: ev.RSSI, at: ev.Timestamp})
	e.prune(st, ev.Timestamp)

	est := e.estimate(ev.TagID, st, ev.Timestamp)
	if est == nil {
		return nil, nil
	}

	var mv *Movement
	if est.Zone != st.lastZone {
		mv = e.classify(st, est)
		st.lastZone = est.Zone
		metrics.MovementsRecorded.Inc()
	}
	st.lastAt = est.At

	return est, mv
}

// prune drops window reads older than the sliding window.
func (e *Estimator) prune(st *tagState, now time.Time) {
	cutoff := now.Add(-e.cfg.Window)
	keep := st.window[:0]
	for _, r := range st.window {
		if r.at.After(cutoff) {
			keep = append(keep, r)
		}
	}
	st.window = keep
}

// estimate computes the location from the current window. Weight per
// reader is 10^(rssi/20), so a 20dB stronger signal carries 10x weight
// and the strongest reader dominates the centroid.
func (e *Estimator) estimate(tagID string, st *tagState, at time.Time) *Estimate {
	// Strongest read per reader within the window.
	strongest := make(map[string]float64)
	for _, r := range st.window {
		if cur, ok := strongest[r.readerID]; !ok || r.rssi > cur {
			strongest[r.readerID] = r.rssi
		}
	}
	if len(strongest) == 0 {
		return nil
	}

	var (
		sumW, sumX, sumY float64
		bestReader       string
		bestRSSI         = math.Inf(-1)
	)
	for readerID, rssi := range strongest {
		zone, ok := e.zones.ReaderZone(readerID)
		if !ok {
			continue
		}
		w := math.Pow(10, rssi/20)
		sumW += w
		sumX += w * zone.X
		sumY += w * zone.Y
		if rssi > bestRSSI {
			bestRSSI = rssi
			bestReader = readerID
		}
	}
	if sumW == 0 || bestReader == "" {
		return nil
	}

	readers := len(strongest)
	primary, _ := e.zones.ReaderZone(bestReader)

	est := &Estimate{
		TagID:         tagID,
		Zone:          primary.Name,
		Confidence:    confidence(readers, bestRSSI),
		ReaderCount:   readers,
		PrimaryReader: bestReader,
		StrongestRSSI: bestRSSI,
		At:            at,
	}
	if readers == 1 {
		est.X, est.Y = primary.X, primary.Y
	} else {
		est.X, est.Y = sumX/sumW, sumY/sumW
	}
	return est
}

// confidence scores 0..100: up to 60 from reader count (20 per reader),
// up to 40 from the strongest signal mapped from [-80, 0] dBm. Using the
// strongest read keeps the score monotonic in reader count: an extra
// weak reader can only add evidence, never subtract it.
func confidence(readers int, strongestRSSI float64) int {
	base := math.Min(60, float64(readers)*20)
	signal := clamp((strongestRSSI+80)/2, 0, 40)
	return int(base + signal)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// classify builds the movement record for a zone change.
func (e *Estimator) classify(st *tagState, est *Estimate) *Movement {
	mv := &Movement{
		TagID:    est.TagID,
		ItemCode: st.itemCode,
		FromZone: st.lastZone,
		ToZone:   est.Zone,
		At:       est.At,
	}

	switch {
	case st.lastZone == "":
		mv.Direction = DirectionIn
	case e.zones.IsExit(est.Zone):
		mv.Direction = DirectionOut
	default:
		mv.Direction = DirectionThrough
	}

	if st.lastZone != "" && !st.lastAt.IsZero() {
		from, okFrom := e.zones.Zone(st.lastZone)
		to, okTo := e.zones.Zone(est.Zone)
		elapsed := est.At.Sub(st.lastAt)
		if okFrom && okTo && elapsed > 0 {
			mv.Duration = elapsed
			mv.Speed = from.Distance(to) / elapsed.Seconds()
		}
	}
	return mv
}

// LastZone returns the tag's last recorded zone, or "" when unseen.
func (e *Estimator) LastZone(tagID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.tags[tagID]; ok {
		return st.lastZone
	}
	return ""
}
