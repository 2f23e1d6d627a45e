package epc

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Number is an optional numeric source column. Certificate rows carry numbers
// as JSON numbers, numeric strings, empty strings or null.
type Number struct {
	Value float64
	Valid bool
}

// NewNumber returns a present Number
func NewNumber(v float64) Number {
	return Number{Value: v, Valid: true}
}

// UnmarshalJSON accepts numbers and numeric strings; anything else is absent.
func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	text := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		text = strings.TrimSpace(s)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

// MarshalJSON writes null for absent values
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Or returns the value, or def when absent
func (n Number) Or(def float64) float64 {
	if !n.Valid {
		return def
	}
	return n.Value
}

// Float returns a pointer to the value, nil when absent
func (n Number) Float() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

// Int returns a pointer to the rounded value, nil when absent
func (n Number) Int() *int {
	if !n.Valid {
		return nil
	}
	v := int(math.Round(n.Value))
	return &v
}

// ID is a property identifier that may be stored as a string or a number
type ID string

// UnmarshalJSON accepts strings and integral numbers
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	text := num.String()
	// UPRNs are integers; a float rendering like 1.2e+10 must not leak into keys
	if strings.ContainsAny(text, "eE.") {
		if f, err := num.Float64(); err == nil && f == math.Trunc(f) {
			text = strconv.FormatFloat(f, 'f', 0, 64)
		}
	}
	*id = ID(text)
	return nil
}

// String returns the identifier as a string
func (id ID) String() string {
	return string(id)
}

// Rating is an energy efficiency band, A (best) to G (worst)
type Rating string

// ParseRating normalizes a source rating; unknown values yield an empty Rating
func ParseRating(s string) Rating {
	r := Rating(strings.ToUpper(strings.TrimSpace(s)))
	if r.Valid() {
		return r
	}
	return ""
}

// Valid reports whether the rating is one of A to G
func (r Rating) Valid() bool {
	return len(r) == 1 && r[0] >= 'A' && r[0] <= 'G'
}

// Ordinal returns 1 for A through 7 for G, 0 when invalid
func (r Rating) Ordinal() int {
	if !r.Valid() {
		return 0
	}
	return int(r[0]-'A') + 1
}
