package extractor

import (
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
)

const dateOnly = "2006-01-02"

// DateRange is an inclusive time window. A zero From or To leaves that side
// unbounded.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Contains reports whether t lies inside the range, bounds included.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Filters narrows the exported set. Empty Levels means every level.
type Filters struct {
	Levels []string
	Range  DateRange
}

// ParseFilters normalises operator input. Levels are upper-cased and
// de-duplicated; start and end accept YYYY-MM-DD or RFC 3339. A date-only end
// covers the whole day.
func ParseFilters(levels []string, start, end string) (Filters, error) {
	var f Filters
	seen := make(map[string]struct{}, len(levels))
	for _, l := range levels {
		for _, part := range strings.Split(l, ",") {
			name := strings.ToUpper(strings.TrimSpace(part))
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			f.Levels = append(f.Levels, name)
		}
	}
	var err error
	if f.Range.From, err = parseBound(start, false); err != nil {
		return Filters{}, err
	}
	if f.Range.To, err = parseBound(end, true); err != nil {
		return Filters{}, err
	}
	return f, nil
}

func parseBound(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateOnly, s); err == nil {
		if endOfDay {
			return t.Add(24*time.Hour - time.Millisecond), nil
		}
		return t, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.Newf(apperrors.ErrInvalidFilter,
		"date %q is neither YYYY-MM-DD nor RFC 3339", s)
}

// Validate checks the filter against the known level set and the range
// ordering. It never contacts the engine.
func (f Filters) Validate(knownLevels []string) error {
	if !f.Range.From.IsZero() && !f.Range.To.IsZero() && f.Range.To.Before(f.Range.From) {
		return apperrors.Newf(apperrors.ErrInvalidFilter, "end %s is before start %s",
			f.Range.To.Format(time.RFC3339), f.Range.From.Format(time.RFC3339))
	}
	if len(knownLevels) == 0 {
		return nil
	}
	known := make(map[string]struct{}, len(knownLevels))
	for _, l := range knownLevels {
		known[strings.ToUpper(l)] = struct{}{}
	}
	for _, l := range f.Levels {
		if _, ok := known[strings.ToUpper(l)]; !ok {
			return apperrors.Newf(apperrors.ErrInvalidFilter, "unknown level %q (known: %s)",
				l, strings.Join(knownLevels, ", "))
		}
	}
	return nil
}

// MatchesLevel reports whether level passes the level filter.
func (f Filters) MatchesLevel(level string) bool {
	if len(f.Levels) == 0 {
		return true
	}
	for _, l := range f.Levels {
		if strings.EqualFold(l, level) {
			return true
		}
	}
	return false
}
