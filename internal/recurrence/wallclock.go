package recurrence

import "time"

// resolveWall interprets the civil datetime c in loc and returns the
// instant it denotes. The two DST edge cases follow a fixed policy:
//
//   - ambiguous wall times (the hour a fall-back transition repeats)
//     resolve to the LATER of the two instants;
//   - nonexistent wall times (the hour a spring-forward transition
//     skips) resolve to the FIRST VALID instant after the gap, i.e. the
//     transition instant itself.
func resolveWall(c time.Time, loc *time.Location) time.Time {
	t := time.Date(c.Year(), c.Month(), c.Day(), c.Hour(), c.Minute(), c.Second(), 0, loc)

	if sameWall(t, c) {
		// The wall time exists. It may still be ambiguous: probe the
		// common transition spans for a second instant carrying the
		// same wall clock and keep the latest.
		best := t
		for _, d := range []time.Duration{-time.Hour, -30 * time.Minute, 30 * time.Minute, time.Hour} {
			if u := t.Add(d); sameWall(u, c) && u.After(best) {
				best = u
			}
		}
		return best
	}
	return afterGap(t, c)
}

// afterGap returns the transition instant of the spring-forward gap that
// swallowed the civil time c. snapped is time.Date's answer for c, an
// instant inside one of the two zones adjoining the gap, so the gap is
// one of that zone's bounds.
func afterGap(snapped, c time.Time) time.Time {
	want := asCivil(c)
	start, end := snapped.ZoneBounds()
	for _, bound := range []time.Time{start, end} {
		if bound.IsZero() {
			continue
		}
		offBefore := offsetAt(bound.Add(-time.Second))
		offAfter := offsetAt(bound)
		if offAfter <= offBefore {
			continue
		}
		// Walls skipped by this gap: [bound in old offset, bound in new offset).
		lo := asCivil(bound.In(time.FixedZone("", offBefore)))
		hi := asCivil(bound.In(time.FixedZone("", offAfter)))
		if !want.Before(lo) && want.Before(hi) {
			return bound
		}
	}
	// No adjoining gap matched; keep the snapped instant rather than
	// inventing one.
	return snapped
}

func sameWall(t, c time.Time) bool {
	return t.Year() == c.Year() && t.Month() == c.Month() && t.Day() == c.Day() &&
		t.Hour() == c.Hour() && t.Minute() == c.Minute() && t.Second() == c.Second()
}

func offsetAt(u time.Time) int {
	_, off := u.Zone()
	return off
}
