package timeutil

import (
	"testing"
	"time"
)

func TestCalculateGranularity(t *testing.T) {
	cases := []struct {
		seconds int64
		want    GranularityLevel
	}{
		{0, GranularitySecond},
		{29, GranularitySecond},
		{30, GranularityMinute},
		{1799, GranularityMinute},
		{1800, GranularityHour},
		{43199, GranularityHour},
		{43200, GranularityDay},
		{604799, GranularityDay},
		{604800, GranularityWeek},
		{1209599, GranularityWeek},
		{1209600, GranularityMonth},
		{5000000, GranularityMonth},
	}

	for _, c := range cases {
		got := CalculateGranularity(c.seconds)
		if got != c.want {
			t.Errorf("CalculateGranularity(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}

func TestFormatAndParseISORoundTrip(t *testing.T) {
	original := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	formatted := FormatToISO(original)
	if formatted != "2026-02-01T10:00:00Z" {
		t.Errorf("FormatToISO = %q, want %q", formatted, "2026-02-01T10:00:00Z")
	}

	parsed, err := ParseISO(formatted)
	if err != nil {
		t.Fatalf("ParseISO failed: %v", err)
	}
	if !parsed.Equal(original) {
		t.Errorf("ParseISO = %v, want %v", parsed, original)
	}
}

func TestFormatToISOConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("TEST", 3600)
	local := time.Date(2026, 2, 1, 11, 0, 0, 0, loc)

	formatted := FormatToISO(local)
	if formatted != "2026-02-01T10:00:00Z" {
		t.Errorf("FormatToISO = %q, want %q", formatted, "2026-02-01T10:00:00Z")
	}
}

func TestParseISORejectsGarbage(t *testing.T) {
	if _, err := ParseISO("not-a-timestamp"); err == nil {
		t.Fatal("expected error for unparsable timestamp")
	}
}
