package clock

import (
	"fmt"
	"time"
)

const filenameTimestampLayout = "20060102_150405"

// Formatter renders instants in a fixed IANA time zone for filenames and
// index timestamps, per spec's "timestamps use the configured timezone".
type Formatter struct {
	loc *time.Location
}

// NewFormatter loads the named zone. An empty name or "UTC" resolves to
// time.UTC; an unrecognized name is returned as an error (the coordinator
// binary logs it and falls back to UTC).
func NewFormatter(zoneName string) (*Formatter, error) {
	if zoneName == "" || zoneName == "UTC" {
		return &Formatter{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(zoneName)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", zoneName, err)
	}
	return &Formatter{loc: loc}, nil
}

// FilenameTimestamp renders t as yyyymmdd_HHMMSS in the configured zone.
func (f *Formatter) FilenameTimestamp(t time.Time) string {
	return t.In(f.loc).Format(filenameTimestampLayout)
}

// In converts t into the configured zone without reformatting.
func (f *Formatter) In(t time.Time) time.Time {
	return t.In(f.loc)
}
