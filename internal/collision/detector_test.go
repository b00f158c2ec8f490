// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package collision

import (
	"testing"
	"time"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

var base = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func readAt(tag, reader string, antenna int, offset time.Duration) *protocol.TagRead {
	return &protocol.TagRead{
		TagID:     tag,
		ReaderID:  reader,
		Antenna:   antenna,
		RSSI:      -45,
		Timestamp: base.Add(offset),
	}
}

func TestDetect_FiveTagsWithin50ms(t *testing.T) {
	// Scenario from the system properties: five distinct tags within
	// 50ms on reader r3 antenna 2 yield exactly one collision with
	// tagCount 5.
	d := NewDetector(DefaultConfig())
	var events []*protocol.TagRead
	for i := 0; i < 5; i++ {
		events = append(events, readAt(
			"T"+string(rune('1'+i)), "r3", 2, time.Duration(i*10)*time.Millisecond))
	}

	got := d.Detect(events)
	if len(got) != 1 {
		t.Fatalf("detected %d collisions, want 1", len(got))
	}
	ev := got[0]
	if ev.TagCount() != 5 {
		t.Errorf("tag count = %d, want 5", ev.TagCount())
	}
	if ev.ReaderID != "r3" || ev.Antenna != 2 {
		t.Errorf("scope = %s/%d", ev.ReaderID, ev.Antenna)
	}
	if ev.WindowEnd.Sub(ev.WindowStart) != 40*time.Millisecond {
		t.Errorf("window = %v", ev.WindowEnd.Sub(ev.WindowStart))
	}
	if len(ev.Samples) != 5 {
		t.Errorf("samples = %d", len(ev.Samples))
	}
}

func TestDetect_FewerThanMinTagsNeverCollides(t *testing.T) {
	d := NewDetector(DefaultConfig())
	events := []*protocol.TagRead{
		readAt("T1", "r1", 1, 0),
		readAt("T2", "r1", 1, 10*time.Millisecond),
	}
	if got := d.Detect(events); len(got) != 0 {
		t.Errorf("detected %d collisions for 2 tags, want 0", len(got))
	}
}

func TestDetect_ThreeTagsAlwaysCollides(t *testing.T) {
	d := NewDetector(DefaultConfig())
	events := []*protocol.TagRead{
		readAt("T1", "r1", 1, 0),
		readAt("T2", "r1", 1, 50*time.Millisecond),
		readAt("T3", "r1", 1, 100*time.Millisecond),
	}
	got := d.Detect(events)
	if len(got) != 1 {
		t.Fatalf("detected %d collisions for 3 tags in window, want 1", len(got))
	}
	if got[0].TagCount() != 3 {
		t.Errorf("tag count = %d", got[0].TagCount())
	}
}

func TestDetect_GapSplitsGroups(t *testing.T) {
	d := NewDetector(DefaultConfig())
	// Two runs of two tags each, separated by 500ms: neither reaches the
	// three-tag threshold even though four tags appear in total.
	events := []*protocol.TagRead{
		readAt("T1", "r1", 1, 0),
		readAt("T2", "r1", 1, 20*time.Millisecond),
		readAt("T3", "r1", 1, 520*time.Millisecond),
		readAt("T4", "r1", 1, 540*time.Millisecond),
	}
	if got := d.Detect(events); len(got) != 0 {
		t.Errorf("detected %d collisions across a gap, want 0", len(got))
	}
}

func TestDetect_RepeatedTagDoesNotInflateCount(t *testing.T) {
	d := NewDetector(DefaultConfig())
	// Three reads but only two distinct tags.
	events := []*protocol.TagRead{
		readAt("T1", "r1", 1, 0),
		readAt("T1", "r1", 1, 10*time.Millisecond),
		readAt("T2", "r1", 1, 20*time.Millisecond),
	}
	if got := d.Detect(events); len(got) != 0 {
		t.Errorf("repeated tag counted as distinct: %d collisions", len(got))
	}
}

func TestDetect_ScopedPerAntenna(t *testing.T) {
	d := NewDetector(DefaultConfig())
	// Three distinct tags on the same reader but spread across antennas.
	events := []*protocol.TagRead{
		readAt("T1", "r1", 1, 0),
		readAt("T2", "r1", 2, 5*time.Millisecond),
		readAt("T3", "r1", 3, 10*time.Millisecond),
	}
	if got := d.Detect(events); len(got) != 0 {
		t.Errorf("collision across antennas: %d, want 0", len(got))
	}
}

func TestDetect_UnsortedInput(t *testing.T) {
	d := NewDetector(DefaultConfig())
	events := []*protocol.TagRead{
		readAt("T3", "r1", 1, 40*time.Millisecond),
		readAt("T1", "r1", 1, 0),
		readAt("T2", "r1", 1, 20*time.Millisecond),
	}
	got := d.Detect(events)
	if len(got) != 1 {
		t.Fatalf("detected %d collisions from unsorted input, want 1", len(got))
	}
}
