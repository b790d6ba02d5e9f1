package caldate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestParse(t *testing.T) {
	d, err := Parse("2024-02-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Year() != 2024 || d.Month() != time.February || d.Day() != 15 {
		t.Errorf("unexpected date: %s", d)
	}
	if d.String() != "2024-02-15" {
		t.Errorf("expected 2024-02-15, got %s", d)
	}
}

func TestParse_TimestampUsesWrittenDate(t *testing.T) {
	d, err := Parse("2024-05-03T23:59:00+08:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.String() != "2024-05-03" {
		t.Errorf("expected 2024-05-03, got %s", d)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "  ", "2024-13-01", "15/02/2024", "yesterday"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestIn_UsesLocation(t *testing.T) {
	manila, err := time.LoadLocation("Asia/Manila")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	instant := time.Date(2024, 4, 23, 23, 30, 0, 0, time.UTC)

	if got := In(instant, time.UTC).String(); got != "2024-04-23" {
		t.Errorf("expected 2024-04-23 in UTC, got %s", got)
	}
	if got := In(instant, manila).String(); got != "2024-04-24" {
		t.Errorf("expected 2024-04-24 in Manila, got %s", got)
	}
}

func TestAddDays_CrossesMonthAndLeapDay(t *testing.T) {
	d := MustParse("2024-02-15")
	if got := d.AddDays(30).String(); got != "2024-03-16" {
		t.Errorf("expected 2024-03-16, got %s", got)
	}
	if got := d.AddDays(-30).String(); got != "2024-01-16" {
		t.Errorf("expected 2024-01-16, got %s", got)
	}
	if got := MustParse("2024-02-28").AddDays(1).String(); got != "2024-02-29" {
		t.Errorf("expected leap day, got %s", got)
	}
}

func TestBetween_Inclusive(t *testing.T) {
	from := MustParse("2024-04-24")
	to := MustParse("2024-05-08")

	cases := map[string]bool{
		"2024-04-23": false,
		"2024-04-24": true,
		"2024-05-01": true,
		"2024-05-08": true,
		"2024-05-09": false,
	}
	for in, want := range cases {
		if got := MustParse(in).Between(from, to); got != want {
			t.Errorf("Between(%s) = %v, want %v", in, got, want)
		}
	}
}

func TestCompareAndDaysUntil(t *testing.T) {
	a := MustParse("2024-01-01")
	b := MustParse("2024-01-11")
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Error("unexpected Compare results")
	}
	if a.DaysUntil(b) != 10 {
		t.Errorf("expected 10 days, got %d", a.DaysUntil(b))
	}
}

func TestJSONRoundTrip(t *testing.T) {
	var payload struct {
		Due   Date  `json:"due"`
		Until *Date `json:"until"`
	}
	if err := json.Unmarshal([]byte(`{"due":"2024-05-01","until":null}`), &payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.Due.String() != "2024-05-01" {
		t.Errorf("expected 2024-05-01, got %s", payload.Due)
	}
	if payload.Until != nil {
		t.Error("expected nil until")
	}

	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"due":"2024-05-01","until":null}` {
		t.Errorf("unexpected JSON: %s", out)
	}
}

func TestUnmarshalJSON_RejectsNumbers(t *testing.T) {
	var d Date
	if err := json.Unmarshal([]byte(`20240501`), &d); err == nil {
		t.Error("expected error for numeric date")
	}
}

func TestPgtypeDate(t *testing.T) {
	d := MustParse("2024-05-01")
	v, err := d.DateValue()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Valid {
		t.Fatal("expected valid pgtype.Date")
	}

	var back Date
	if err := back.ScanDate(v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.Equal(d) {
		t.Errorf("expected %s, got %s", d, back)
	}

	if err := back.ScanDate(pgtype.Date{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.IsZero() {
		t.Error("expected zero date after scanning NULL")
	}

	if err := back.ScanDate(pgtype.Date{Valid: true, InfinityModifier: pgtype.Infinity}); err == nil {
		t.Error("expected error for infinite date")
	}
}
