package duetime

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"cloud.google.com/go/civil"
	"github.com/harrisonrobin/todo/pkg/model"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s) failed: %v", name, err)
	}
	return loc
}

func date(y int, m time.Month, d int) *civil.Date {
	return &civil.Date{Year: y, Month: m, Day: d}
}

func clock(h, m int) *civil.Time {
	return &civil.Time{Hour: h, Minute: m}
}

func TestEncodeBuyMilk(t *testing.T) {
	codec := NewCodec(Fixed(time.FixedZone("EST", -5*60*60)), ReinterpretLocal)

	due, err := codec.Encode(Entry{Date: date(2024, time.May, 1), Time: clock(14, 30)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if due.DateTime == nil || *due.DateTime != "2024-05-01T14:30:00-05:00" {
		t.Errorf("Expected due_datetime 2024-05-01T14:30:00-05:00, got %v", due.DateTime)
	}
	if due.Date == nil || *due.Date != "2024-05-01" {
		t.Errorf("Expected due_date 2024-05-01, got %v", due.Date)
	}
}

func TestEncodeUTCUsesNumericOffset(t *testing.T) {
	codec := NewCodec(Fixed(time.UTC), ReinterpretLocal)

	due, err := codec.Encode(Entry{Date: date(2024, time.January, 2), Time: clock(9, 0)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if *due.DateTime != "2024-01-02T09:00:00+00:00" {
		t.Errorf("Expected +00:00 offset, got %s", *due.DateTime)
	}
}

func TestEncodeOffsetAcrossDST(t *testing.T) {
	codec := NewCodec(Fixed(mustLoad(t, "America/New_York")), ReinterpretLocal)

	tests := []struct {
		date *civil.Date
		time *civil.Time
		want string
	}{
		{date(2024, time.March, 9), clock(14, 30), "2024-03-09T14:30:00-05:00"},
		{date(2024, time.March, 10), clock(14, 30), "2024-03-10T14:30:00-04:00"},
		{date(2024, time.November, 3), clock(0, 30), "2024-11-03T00:30:00-04:00"},
		{date(2024, time.November, 3), clock(12, 0), "2024-11-03T12:00:00-05:00"},
	}
	for _, tt := range tests {
		due, err := codec.Encode(Entry{Date: tt.date, Time: tt.time})
		if err != nil {
			t.Fatalf("Encode(%s %s) failed: %v", tt.date, tt.time, err)
		}
		if *due.DateTime != tt.want {
			t.Errorf("Encode(%s %s) = %s, want %s", tt.date, tt.time, *due.DateTime, tt.want)
		}
	}
}

func TestEncodeDateOnlyAndEmpty(t *testing.T) {
	codec := NewCodec(Fixed(time.UTC), ReinterpretLocal)

	due, err := codec.Encode(Entry{Date: date(2024, time.May, 1)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if due.Date == nil || *due.Date != "2024-05-01" || due.DateTime != nil {
		t.Errorf("Expected date only, got %+v", due)
	}

	due, err = codec.Encode(Entry{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if due.Date != nil || due.DateTime != nil {
		t.Errorf("Expected no deadline, got %+v", due)
	}
}

func TestEncodeTimeWithoutDate(t *testing.T) {
	codec := NewCodec(Fixed(time.UTC), ReinterpretLocal)
	if _, err := codec.Encode(Entry{Time: clock(8, 0)}); !errors.Is(err, ErrTimeWithoutDate) {
		t.Errorf("Expected ErrTimeWithoutDate, got %v", err)
	}
}

func TestEncodeRejectsInvalidDate(t *testing.T) {
	codec := NewCodec(Fixed(time.UTC), ReinterpretLocal)
	if _, err := codec.Encode(Entry{Date: date(2024, time.February, 30)}); err == nil {
		t.Error("Expected error for February 30")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"America/New_York", "Europe/Berlin", "Asia/Kolkata", "UTC"} {
		codec := NewCodec(Fixed(mustLoad(t, name)), ReinterpretLocal)
		times := []*civil.Time{clock(0, 0), clock(1, 30), clock(12, 0), clock(14, 30), {Hour: 23, Minute: 59, Second: 59}}

		for d := *date(2024, time.January, 1); d.Year == 2024; d = d.AddDays(1) {
			for _, tm := range times {
				in := Entry{Date: &d, Time: tm}
				due, err := codec.Encode(in)
				if err != nil {
					t.Fatalf("%s: Encode(%s) failed: %v", name, in, err)
				}
				out, err := codec.Decode(due)
				if err != nil {
					t.Fatalf("%s: Decode(%s) failed: %v", name, *due.DateTime, err)
				}
				if *out.Date != d || *out.Time != *tm {
					t.Fatalf("%s: round trip of %s gave %s", name, in, out)
				}
			}
		}
	}
}

func TestDecodeDateOnly(t *testing.T) {
	codec := NewCodec(Fixed(time.UTC), ReinterpretLocal)

	for _, s := range []string{"2024-05-01", "2024-05-01T00:00:00Z"} {
		entry, err := codec.Decode(model.Due{Date: &s})
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", s, err)
		}
		if entry.Date == nil || *entry.Date != *date(2024, time.May, 1) || entry.Time != nil {
			t.Errorf("Decode(%s) = %s, want 2024-05-01", s, entry)
		}
	}

	entry, err := codec.Decode(model.Due{})
	if err != nil || !entry.IsZero() {
		t.Errorf("Expected empty entry, got %s (%v)", entry, err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	codec := NewCodec(Fixed(time.UTC), ReinterpretLocal)

	bad := "2024-05-01 14:30"
	_, err := codec.Decode(model.Due{Date: strPtr("2024-05-01"), DateTime: &bad})
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if decErr.Field != "due_datetime" || decErr.Value != bad {
		t.Errorf("Unexpected DecodeError %+v", decErr)
	}

	badDate := "05/01/2024"
	if _, err := codec.Decode(model.Due{Date: &badDate}); !errors.As(err, &decErr) {
		t.Errorf("Expected DecodeError for due_date, got %v", err)
	}
}

func TestDecodeAfterZoneChange(t *testing.T) {
	newYork := mustLoad(t, "America/New_York")
	berlin := mustLoad(t, "Europe/Berlin")

	current := newYork
	zone := ZoneFunc(func() *time.Location { return current })
	due, err := NewCodec(zone, ReinterpretLocal).Encode(Entry{Date: date(2024, time.May, 1), Time: clock(14, 30)})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	current = berlin
	local, err := NewCodec(zone, ReinterpretLocal).Decode(due)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if *local.Time != *clock(20, 30) {
		t.Errorf("Expected 20:30 in Berlin, got %s", local.Time)
	}

	preserved, err := NewCodec(zone, PreserveOffset).Decode(due)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if *preserved.Time != *clock(14, 30) || *preserved.Date != *date(2024, time.May, 1) {
		t.Errorf("Expected the entered 2024-05-01 14:30, got %s", preserved)
	}
}

func TestDecodeServerUTC(t *testing.T) {
	codec := NewCodec(Fixed(time.FixedZone("EST", -5*60*60)), ReinterpretLocal)

	s := "2024-05-01T19:30:00.000000Z"
	entry, err := codec.Decode(model.Due{Date: strPtr("2024-05-01"), DateTime: &s})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if entry.String() != "2024-05-01 14:30:00" {
		t.Errorf("Expected 2024-05-01 14:30:00, got %s", entry)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ReinterpretLocal {
		t.Errorf("Expected default local mode, got %v (%v)", m, err)
	}
	if m, err := ParseMode("preserve-offset"); err != nil || m != PreserveOffset {
		t.Errorf("Expected preserve-offset, got %v (%v)", m, err)
	}
	if _, err := ParseMode("utc"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}

func strPtr(s string) *string {
	return &s
}
