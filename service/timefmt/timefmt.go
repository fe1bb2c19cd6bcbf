// Package timefmt formats instants for display next to conversation messages.
package timefmt

import "time"

// Layout renders as "07 Mar 2025 02:30 PM".
const Layout = "02 Jan 2006 03:04 PM"

// Clock returns the current instant. Swappable in tests.
type Clock func() time.Time

// Format renders t in the display layout, in t's own location.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Now formats the current instant reported by clock. A nil clock uses time.Now.
func Now(clock Clock) string {
	if clock == nil {
		clock = time.Now
	}
	return Format(clock())
}
