package schedule

import (
	"testing"
	"time"
)

func TestParseCronExpr(t *testing.T) {
	t.Parallel()

	valid := []string{
		"* * * * *",
		"0 9 * * *",
		"*/15 * * * *",
		"0 0 1,15 * *",
		"30 8-17 * * 1-5",
		"0 12 * * 0,6",
	}
	for _, expr := range valid {
		if _, err := ParseCronExpr(expr); err != nil {
			t.Errorf("ParseCronExpr(%q) returned error: %v", expr, err)
		}
	}

	invalid := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"10-5 * * * *",
		"a * * * *",
		", * * * *",
	}
	for _, expr := range invalid {
		if _, err := ParseCronExpr(expr); err == nil {
			t.Errorf("ParseCronExpr(%q) expected error, got nil", expr)
		}
	}
}

func TestCronExprMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
		at   time.Time
		want bool
	}{
		{
			name: "wildcard matches any minute",
			expr: "* * * * *",
			at:   time.Date(2026, 3, 4, 13, 37, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "exact minute and hour",
			expr: "30 9 * * *",
			at:   time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "wrong hour",
			expr: "30 9 * * *",
			at:   time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "step minutes",
			expr: "*/15 * * * *",
			at:   time.Date(2026, 3, 4, 9, 45, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "weekday range excludes saturday",
			expr: "0 9 * * 1-5",
			at:   time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "both day fields restricted matches on dom",
			expr: "0 9 15 * 1",
			at:   time.Date(2026, 4, 15, 9, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "both day fields restricted matches on dow",
			expr: "0 9 15 * 1",
			at:   time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "both day fields restricted matches neither",
			expr: "0 9 15 * 1",
			at:   time.Date(2026, 4, 21, 9, 0, 0, 0, time.UTC),
			want: false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			expr, err := ParseCronExpr(tc.expr)
			if err != nil {
				t.Fatalf("ParseCronExpr(%q): %v", tc.expr, err)
			}
			if got := expr.Matches(tc.at); got != tc.want {
				t.Errorf("Matches(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}
