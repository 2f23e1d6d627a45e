package epc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumber_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input string
		valid bool
		value float64
	}{
		{`12.5`, true, 12.5},
		{`"350.0"`, true, 350},
		{`" 7 "`, true, 7},
		{`""`, false, 0},
		{`null`, false, 0},
		{`"n/a"`, false, 0},
		{`true`, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var n Number
			require.NoError(t, json.Unmarshal([]byte(tt.input), &n))
			assert.Equal(t, tt.valid, n.Valid)
			assert.Equal(t, tt.value, n.Value)
		})
	}
}

func TestNumber_MarshalJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		A Number `json:"a"`
		B Number `json:"b"`
	}{A: NewNumber(1.5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1.5, "b": null}`, string(out))
}

func TestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected ID
	}{
		{`"100023336956"`, "100023336956"},
		{`100023336956`, "100023336956"},
		{`1.00023336956e+11`, "100023336956"},
		{`" UPRN-1 "`, "UPRN-1"},
		{`null`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var id ID
			require.NoError(t, json.Unmarshal([]byte(tt.input), &id))
			assert.Equal(t, tt.expected, id)
		})
	}
}

func TestParseRating(t *testing.T) {
	assert.Equal(t, Rating("B"), ParseRating(" b "))
	assert.Equal(t, Rating(""), ParseRating("H"))
	assert.Equal(t, Rating(""), ParseRating("AB"))
	assert.Equal(t, 1, Rating("A").Ordinal())
	assert.Equal(t, 7, Rating("G").Ordinal())
	assert.Equal(t, 0, Rating("").Ordinal())
}

func TestRawLocation_Normalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		kind     LocationKind
		expected *GeoPoint
	}{
		{"structured", `{"lat": 51.5, "lon": -0.12}`, LocationStructured, &GeoPoint{Lat: 51.5, Lon: -0.12}},
		{"structured lng", `{"lat": "51.5", "lng": "-0.12"}`, LocationStructured, &GeoPoint{Lat: 51.5, Lon: -0.12}},
		{"string", `"51.5, -0.12"`, LocationString, &GeoPoint{Lat: 51.5, Lon: -0.12}},
		{"string malformed", `"51.5;-0.12"`, LocationString, nil},
		{"string not numeric", `"north,south"`, LocationString, nil},
		{"out of range", `{"lat": 151.5, "lon": -0.12}`, LocationStructured, nil},
		{"missing lon", `{"lat": 51.5}`, LocationStructured, nil},
		{"null", `null`, LocationAbsent, nil},
		{"empty string", `""`, LocationAbsent, nil},
		{"array", `[51.5, -0.12]`, LocationAbsent, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var loc RawLocation
			require.NoError(t, json.Unmarshal([]byte(tt.input), &loc))
			assert.Equal(t, tt.kind, loc.Kind)
			assert.Equal(t, tt.expected, loc.Normalize())
		})
	}
}

func TestCertificate_MalformedLocationIsNotAnError(t *testing.T) {
	var cert Certificate
	err := json.Unmarshal([]byte(`{"LMK_KEY": "x", "location": {"lat": "bad"}}`), &cert)
	require.NoError(t, err)
	assert.Nil(t, cert.Location.Normalize())
}

func TestParseDate(t *testing.T) {
	for _, value := range []string{"2021-07-19", "2021-07-19 10:11:12", "2021-07-19T10:11:12", "2021-07-19T10:11:12Z"} {
		parsed, err := ParseDate(value)
		require.NoError(t, err, value)
		assert.Equal(t, 2021, parsed.Year())
	}

	_, err := ParseDate("19/07/2021")
	assert.Error(t, err)
	_, err = ParseDate("")
	assert.Error(t, err)
}
