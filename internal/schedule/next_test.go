package schedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) CronExpr {
	t.Helper()
	parsed, err := ParseCronExpr(expr)
	if err != nil {
		t.Fatalf("ParseCronExpr(%q): %v", expr, err)
	}
	return parsed
}

func TestNextStrictlyAfter(t *testing.T) {
	t.Parallel()

	expr := mustParse(t, "0 9 * * *")
	from := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	next, ok := Next(expr, time.UTC, nil, nil, from)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next from an occurrence instant = %v, want %v", next, want)
	}
}

func TestNextSubMinuteFrom(t *testing.T) {
	t.Parallel()

	expr := mustParse(t, "*/15 * * * *")
	from := time.Date(2026, 3, 4, 9, 14, 30, 0, time.UTC)

	next, ok := Next(expr, time.UTC, nil, nil, from)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := time.Date(2026, 3, 4, 9, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextRespectsStartAt(t *testing.T) {
	t.Parallel()

	expr := mustParse(t, "0 9 * * *")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	next, ok := Next(expr, time.UTC, &start, nil, from)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	// An occurrence landing exactly on the start date is allowed.
	if !next.Equal(start) {
		t.Errorf("Next = %v, want %v", next, start)
	}
}

func TestNextRespectsEndAt(t *testing.T) {
	t.Parallel()

	expr := mustParse(t, "0 9 * * *")
	from := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)

	if _, ok := Next(expr, time.UTC, nil, &end, from); ok {
		t.Error("expected no occurrence past the end date")
	}

	laterEnd := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	next, ok := Next(expr, time.UTC, nil, &laterEnd, from)
	if !ok {
		t.Fatal("expected an occurrence before the end date")
	}
	want := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestNextAcrossSpringForward(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	expr := mustParse(t, "0 9 * * *")

	// 2026-03-08 02:00 EST jumps to 03:00 EDT.
	before := time.Date(2026, 3, 7, 9, 0, 0, 0, loc)
	next, ok := Next(expr, loc, nil, nil, before)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("wall clock = %02d:%02d, want 09:00", next.Hour(), next.Minute())
	}
	if next.Day() != 8 {
		t.Errorf("day = %d, want 8", next.Day())
	}
	// One local day across the gap is 23 absolute hours.
	if got := next.Sub(before); got != 23*time.Hour {
		t.Errorf("interval across DST gap = %v, want 23h", got)
	}
}

func TestNextAcrossFallBack(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	expr := mustParse(t, "0 9 * * *")

	// 2026-11-01 02:00 EDT falls back to 01:00 EST.
	before := time.Date(2026, 10, 31, 9, 0, 0, 0, loc)
	next, ok := Next(expr, loc, nil, nil, before)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if next.Hour() != 9 || next.Day() != 1 {
		t.Errorf("next = %v, want Nov 1 09:00 local", next)
	}
	if got := next.Sub(before); got != 25*time.Hour {
		t.Errorf("interval across fall back = %v, want 25h", got)
	}
}

func TestNextExhaustsHorizon(t *testing.T) {
	t.Parallel()

	// February 30th never exists.
	expr := mustParse(t, "0 0 30 2 *")
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, ok := Next(expr, time.UTC, nil, nil, from); ok {
		t.Error("expected the scan to report no occurrence")
	}
}

func TestNextSkipsNonMatchingDays(t *testing.T) {
	t.Parallel()

	expr := mustParse(t, "30 6 1 * *")
	from := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	next, ok := Next(expr, time.UTC, nil, nil, from)
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := time.Date(2026, 4, 1, 6, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}
