package models

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z"

// wireTimeLayouts are tried in order when decoding a quoted timestamp.
var wireTimeLayouts = []string{
	time.RFC3339Nano,
	RFC3339Milli,
	"2006-01-02T15:04:05Z",
	time.RFC3339,
}

// JSONTime wraps time.Time for the wire. It encodes RFC3339 in UTC (null when zero)
// and decodes the RFC3339 family or epoch milliseconds.
type JSONTime time.Time

func (jt JSONTime) MarshalJSON() ([]byte, error) {
	if time.Time(jt).IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(time.Time(jt).UTC().Format(time.RFC3339Nano))), nil
}

func (jt *JSONTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")), bytes.Equal(b, []byte(`""`)):
		*jt = JSONTime(time.Time{})
		return nil
	case b[0] != '"':
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("models: invalid epoch time %s: %w", b, err)
		}
		*jt = JSONTime(time.UnixMilli(ms).UTC())
		return nil
	}

	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("models: invalid time literal %s: %w", b, err)
	}
	t, err := parseWireTime(s)
	if err != nil {
		return err
	}
	*jt = JSONTime(t)
	return nil
}

func parseWireTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range wireTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("models: unrecognized time %q: %w", s, lastErr)
}

func (jt JSONTime) Time() time.Time {
	return time.Time(jt)
}

func (jt JSONTime) IsZero() bool {
	return time.Time(jt).IsZero()
}
