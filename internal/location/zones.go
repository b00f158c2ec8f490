// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package location derives tag positions and movements from raw reads:
// signal-weighted triangulation over a sliding per-tag window, plus
// movement classification when the estimated zone changes.
package location

import (
	"fmt"
	"math"
)

// Zone is a named facility area with a planar center. Centers are in
// facility coordinates (meters); distances between centers drive speed
// computation.
type Zone struct {
	Name       string
	X, Y       float64
	Restricted bool
	Exit       bool
}

// Distance returns the Euclidean distance between two zone centers.
func (z Zone) Distance(other Zone) float64 {
	dx := z.X - other.X
	dy := z.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// ZoneMap resolves zone names and reader-to-zone assignments. Immutable
// after construction, so it is shared across pipeline stages without
// locking.
type ZoneMap struct {
	zones       map[string]Zone
	readerZones map[string]string
}

// NewZoneMap builds the lookup from configured zones and per-reader zone
// assignments.
func NewZoneMap(zones []Zone, readerZones map[string]string) (*ZoneMap, error) {
	zm := &ZoneMap{
		zones:       make(map[string]Zone, len(zones)),
		readerZones: make(map[string]string, len(readerZones)),
	}
	for _, z := range zones {
		zm.zones[z.Name] = z
	}
	for reader, zone := range readerZones {
		if _, ok := zm.zones[zone]; !ok {
			return nil, fmt.Errorf("location: reader %q assigned to unknown zone %q", reader, zone)
		}
		zm.readerZones[reader] = zone
	}
	return zm, nil
}

// Zone returns the named zone.
func (zm *ZoneMap) Zone(name string) (Zone, bool) {
	z, ok := zm.zones[name]
	return z, ok
}

// ReaderZone returns the zone covered by a reader.
func (zm *ZoneMap) ReaderZone(readerID string) (Zone, bool) {
	name, ok := zm.readerZones[readerID]
	if !ok {
		return Zone{}, false
	}
	return zm.Zone(name)
}

// IsRestricted reports whether the named zone is restricted.
func (zm *ZoneMap) IsRestricted(name string) bool {
	z, ok := zm.zones[name]
	return ok && z.Restricted
}

// IsExit reports whether the named zone is an exit/dispatch zone.
func (zm *ZoneMap) IsExit(name string) bool {
	z, ok := zm.zones[name]
	return ok && z.Exit
}
