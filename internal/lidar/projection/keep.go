package projection

import (
	"fmt"
	"strconv"
	"strings"
)

// Keep selects which point survives when several project to one pixel.
type Keep int

const (
	KeepFirst    Keep = 0 // first point in scan order wins
	KeepLast     Keep = 1 // last point in scan order wins
	KeepClosest  Keep = 2 // smallest range wins, ties keep the earlier point
	KeepFarthest Keep = 3 // largest range wins, ties keep the earlier point
)

var keepNames = map[Keep]string{
	KeepFirst:    "first",
	KeepLast:     "last",
	KeepClosest:  "closest",
	KeepFarthest: "farthest",
}

func (k Keep) String() string {
	if s, ok := keepNames[k]; ok {
		return s
	}
	return fmt.Sprintf("keep(%d)", int(k))
}

// Valid reports whether k is one of the four policies.
func (k Keep) Valid() bool {
	_, ok := keepNames[k]
	return ok
}

// ParseKeep accepts the policy name ("first", "last", "closest",
// "farthest", optionally prefixed with "keep_") or its numeric value.
func ParseKeep(s string) (Keep, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "keep_")
	for k, n := range keepNames {
		if n == name {
			return k, nil
		}
	}
	if n, err := strconv.Atoi(name); err == nil && Keep(n).Valid() {
		return Keep(n), nil
	}
	return 0, fmt.Errorf("unknown keep policy %q (want first, last, closest or farthest)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Keep) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid keep policy %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Keep) UnmarshalText(b []byte) error {
	v, err := ParseKeep(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// replaces reports whether a candidate at range candRange should overwrite
// a cell. occupied is true when the cell already holds a valid point at
// range cellRange.
func (k Keep) replaces(occupied bool, cellRange, candRange float64) bool {
	switch k {
	case KeepFirst:
		return !occupied
	case KeepClosest:
		return !occupied || cellRange > candRange
	case KeepFarthest:
		return !occupied || cellRange < candRange
	default:
		return true
	}
}
