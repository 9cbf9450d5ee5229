package store

import (
	"encoding/json"
	"math"
	"time"
)

// Time is a JSON encoded unix timestamp in milliseconds. Metric points need
// sub-second resolution, so the whole store uses one clock representation.
type Time int64

// AsTime returns the time as UTC so its string value doesn't depend on the
// local time zone.
func (t Time) AsTime() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (t Time) IsZero() bool {
	return t == 0
}

// ToTime converts a time.Time to a store.Time.
func ToTime(v time.Time) Time {
	return Time(v.UnixMilli())
}

// Now returns the current time as a store.Time.
func Now() Time {
	return ToTime(time.Now())
}

// UnmarshalJSON decodes JSON numbers as unix millisecond timestamps,
// converting float64 to int64 by rounding.
func (t *Time) UnmarshalJSON(b []byte) error {
	var i int64
	if err := json.Unmarshal(b, &i); err == nil {
		*t = Time(i)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*t = Time(int64(math.Round(f)))
	return nil
}
