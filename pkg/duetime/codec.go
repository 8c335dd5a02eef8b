// Package duetime converts between the date and time of day a user enters
// and the offset-qualified timestamp the server stores.
package duetime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/harrisonrobin/todo/pkg/model"
)

const (
	// WireLayout always renders a numeric offset, never "Z".
	WireLayout = "2006-01-02T15:04:05-07:00"
	DateLayout = "2006-01-02"
)

// ErrTimeWithoutDate is returned by Encode when a time of day has no date.
var ErrTimeWithoutDate = errors.New("time of day given without a date")

// Mode selects the zone Decode derives the wall clock in.
type Mode int

const (
	// ReinterpretLocal shows a stored instant in the zone current at decode
	// time. A round trip without a zone change is lossless; after a zone
	// change the displayed time differs from the one entered.
	ReinterpretLocal Mode = iota
	// PreserveOffset shows a stored instant at the offset it was stored with.
	PreserveOffset
)

// ParseMode parses "local" or "preserve-offset".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return ReinterpretLocal, nil
	case "preserve-offset":
		return PreserveOffset, nil
	}
	return 0, fmt.Errorf("invalid decode mode %q (want local or preserve-offset)", s)
}

func (m Mode) String() string {
	if m == PreserveOffset {
		return "preserve-offset"
	}
	return "local"
}

// Zone supplies the time zone dates and times are entered in. It is asked
// on every call.
type Zone interface {
	Location() *time.Location
}

// ZoneFunc adapts a function to Zone.
type ZoneFunc func() *time.Location

func (f ZoneFunc) Location() *time.Location {
	return f()
}

// Local follows the process time zone.
func Local() Zone {
	return ZoneFunc(func() *time.Location { return time.Local })
}

// Fixed always answers loc.
func Fixed(loc *time.Location) Zone {
	return ZoneFunc(func() *time.Location { return loc })
}

// Entry is a deadline as a user enters it.
type Entry struct {
	Date *civil.Date
	Time *civil.Time
}

// IsZero reports whether neither a date nor a time is set.
func (e Entry) IsZero() bool {
	return e.Date == nil && e.Time == nil
}

func (e Entry) String() string {
	switch {
	case e.Date != nil && e.Time != nil:
		return e.Date.String() + " " + e.Time.String()
	case e.Date != nil:
		return e.Date.String()
	}
	return ""
}

// DecodeError reports a due value from the server that could not be parsed.
type DecodeError struct {
	Field string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Codec encodes form entries for the wire and decodes them back.
type Codec struct {
	zone Zone
	mode Mode
}

// NewCodec returns a codec for zone. A nil zone means the process zone.
func NewCodec(zone Zone, mode Mode) *Codec {
	if zone == nil {
		zone = Local()
	}
	return &Codec{zone: zone, mode: mode}
}

// Mode returns the decode mode.
func (c *Codec) Mode() Mode {
	return c.mode
}

// Location returns the zone's current location.
func (c *Codec) Location() *time.Location {
	if loc := c.zone.Location(); loc != nil {
		return loc
	}
	return time.Local
}

// Encode turns an entry into its wire form.
func (c *Codec) Encode(e Entry) (model.Due, error) {
	if e.Date == nil {
		if e.Time != nil {
			return model.Due{}, ErrTimeWithoutDate
		}
		return model.Due{}, nil
	}
	if !e.Date.IsValid() {
		return model.Due{}, fmt.Errorf("invalid due date %s", e.Date)
	}
	if e.Time == nil {
		date := e.Date.String()
		return model.Due{Date: &date}, nil
	}
	if !e.Time.IsValid() {
		return model.Due{}, fmt.Errorf("invalid due time %s", e.Time)
	}

	clock := *e.Time
	clock.Nanosecond = 0
	// time.Date applies the offset in effect at this wall clock, so a date
	// on the other side of a DST change gets its own offset.
	instant := civil.DateTime{Date: *e.Date, Time: clock}.In(c.Location())

	// Taken from the instant rather than the entry so both fields agree even
	// when the wall clock fell into a DST gap and was normalized.
	date := civil.DateOf(instant).String()
	datetime := instant.Format(WireLayout)
	return model.Due{Date: &date, DateTime: &datetime}, nil
}

// Decode turns a wire deadline back into an entry for editing.
func (c *Codec) Decode(d model.Due) (Entry, error) {
	if d.DateTime != nil && *d.DateTime != "" {
		instant, err := ParseInstant(*d.DateTime)
		if err != nil {
			return Entry{}, err
		}
		if c.mode == ReinterpretLocal {
			instant = instant.In(c.Location())
		}
		date := civil.DateOf(instant)
		clock := civil.TimeOf(instant)
		return Entry{Date: &date, Time: &clock}, nil
	}
	if d.Date != nil && *d.Date != "" {
		date, err := ParseDate(*d.Date)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Date: &date}, nil
	}
	return Entry{}, nil
}

// ParseInstant parses an RFC 3339 timestamp with either "Z" or a numeric offset.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, &DecodeError{Field: "due_datetime", Value: s, Err: err}
	}
	return t, nil
}

// ParseDate parses a calendar date. A time suffix ("2024-05-01T00:00:00Z")
// is ignored.
func ParseDate(s string) (civil.Date, error) {
	datePart, _, _ := strings.Cut(strings.TrimSpace(s), "T")
	d, err := civil.ParseDate(datePart)
	if err != nil {
		return civil.Date{}, &DecodeError{Field: "due_date", Value: s, Err: err}
	}
	return d, nil
}

// Instant returns the moment a todo is due, if it has a time of day.
func Instant(d model.Due) (time.Time, bool, error) {
	if d.DateTime == nil || *d.DateTime == "" {
		return time.Time{}, false, nil
	}
	t, err := ParseInstant(*d.DateTime)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
