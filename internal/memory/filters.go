package memory

import (
	"fmt"
	"slices"
	"time"
)

// Filter keys understood by the store adapters. Unknown keys are ignored.
const (
	FilterUserID      = "user_id"
	FilterGroupID     = "group_id"
	FilterParticipant = "participant"
	FilterStartTime   = "start_time"
	FilterEndTime     = "end_time"
)

// Filters narrows a search. Values may be a string, a []string, or for the
// time keys a time.Time or RFC 3339 / YYYY-MM-DD string.
type Filters map[string]any

// Validate reports filter values that cannot be interpreted.
func (f Filters) Validate() error {
	for _, key := range []string{FilterUserID, FilterGroupID, FilterParticipant} {
		if v, ok := f[key]; ok {
			if _, err := stringSet(v); err != nil {
				return fmt.Errorf("filter %s: %w", key, err)
			}
		}
	}
	for _, key := range []string{FilterStartTime, FilterEndTime} {
		if v, ok := f[key]; ok {
			if _, err := parseTime(v); err != nil {
				return fmt.Errorf("filter %s: %w", key, err)
			}
		}
	}
	return nil
}

// Match reports whether item satisfies every recognized filter.
// Values that fail Validate never match.
func (f Filters) Match(item MemoryItem) bool {
	if len(f) == 0 {
		return true
	}
	if !f.matchString(FilterUserID, item.UserID) || !f.matchString(FilterGroupID, item.GroupID) {
		return false
	}
	if v, ok := f[FilterParticipant]; ok {
		want, err := stringSet(v)
		if err != nil {
			return false
		}
		found := false
		for _, p := range item.Participants() {
			if slices.Contains(want, p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	ts := item.Timestamp()
	if v, ok := f[FilterStartTime]; ok {
		start, err := parseTime(v)
		if err != nil || ts.Before(start) {
			return false
		}
	}
	if v, ok := f[FilterEndTime]; ok {
		end, err := parseTime(v)
		if err != nil || ts.After(end) {
			return false
		}
	}
	return true
}

func (f Filters) matchString(key, got string) bool {
	v, ok := f[key]
	if !ok {
		return true
	}
	want, err := stringSet(v)
	if err != nil {
		return false
	}
	return slices.Contains(want, got)
}

func stringSet(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string or list of strings, got %T", v)
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		return time.Parse(time.DateOnly, t)
	}
	return time.Time{}, fmt.Errorf("expected time or string, got %T", v)
}

// Strings returns the accepted values of a string filter key. ok is false
// when the key is absent or its value is malformed.
func (f Filters) Strings(key string) (values []string, ok bool) {
	v, present := f[key]
	if !present {
		return nil, false
	}
	values, err := stringSet(v)
	return values, err == nil
}

// Time returns the bound of a time filter key. ok is false when the key is
// absent or its value is malformed.
func (f Filters) Time(key string) (t time.Time, ok bool) {
	v, present := f[key]
	if !present {
		return time.Time{}, false
	}
	t, err := parseTime(v)
	return t, err == nil
}
