// Package mapping holds the versioned index mapping documents and the
// conversion from a column type table to an index mapping.
package mapping

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed definitions
var definitions embed.FS

// ErrNoMapping is returned when a family has no definition at or below a version
var ErrNoMapping = errors.New("no mapping definition")

// Definition is an index creation body: settings plus mappings
type Definition struct {
	Settings map[string]interface{} `json:"settings,omitempty"`
	Mappings Mappings               `json:"mappings"`
}

// Mappings is the top-level mapping object
type Mappings struct {
	Dynamic    interface{}      `json:"dynamic,omitempty"`
	Properties map[string]Field `json:"properties"`
}

// Field describes one mapped field, object or nested object
type Field struct {
	Type        string           `json:"type,omitempty"`
	Index       *bool            `json:"index,omitempty"`
	IgnoreAbove int              `json:"ignore_above,omitempty"`
	Format      string           `json:"format,omitempty"`
	Fields      map[string]Field `json:"fields,omitempty"`
	Properties  map[string]Field `json:"properties,omitempty"`
}

// IsObject reports whether the field holds sub-fields
func (f Field) IsObject() bool {
	return len(f.Properties) > 0 || f.Type == "object" || f.Type == "nested"
}

// IsDynamic reports whether unmapped fields should be indexed
func (m Mappings) IsDynamic() bool {
	switch v := m.Dynamic.(type) {
	case nil:
		return true
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return true
	}
}

// JSON encodes the definition as an index creation body
func (d *Definition) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// Load returns the mapping for family at version. When that exact version has
// no document the newest earlier one is used; the version actually loaded is
// returned alongside.
func Load(family string, version int) (*Definition, int, error) {
	versions, err := Versions(family)
	if err != nil {
		return nil, 0, err
	}

	chosen := 0
	for _, v := range versions {
		if v <= version && v > chosen {
			chosen = v
		}
	}
	if chosen == 0 {
		return nil, 0, fmt.Errorf("%w for %s at v%d", ErrNoMapping, family, version)
	}

	data, err := definitions.ReadFile(fmt.Sprintf("definitions/%s/v%d.json", family, chosen))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read mapping %s v%d: %w", family, chosen, err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid mapping %s v%d: %w", family, chosen, err)
	}
	return def, chosen, nil
}

// Versions lists the mapping versions shipped for a family, ascending
func Versions(family string) ([]int, error) {
	entries, err := fs.ReadDir(definitions, "definitions/"+family)
	if err != nil {
		return nil, fmt.Errorf("%w for family %s", ErrNoMapping, family)
	}

	var versions []int
	for _, entry := range entries {
		var v int
		if _, err := fmt.Sscanf(entry.Name(), "v%d.json", &v); err == nil && v > 0 {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// Parse decodes either a full definition or a column type table
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	if len(def.Mappings.Properties) > 0 {
		return &def, nil
	}

	var table map[string]string
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("neither a mapping definition nor a field type table: %w", err)
	}
	return FromFieldTypes(table), nil
}

// FromFieldTypes builds a mapping from a column name to column type table.
// Strings become analysed text with a keyword sub-field so they can be both
// searched and grouped.
func FromFieldTypes(table map[string]string) *Definition {
	props := make(map[string]Field, len(table))
	for name, typ := range table {
		props[name] = fieldForType(typ)
	}
	return &Definition{Mappings: Mappings{Properties: props}}
}

// DateFormat accepts ISO 8601 as well as the "2006-01-02 15:04:05" and
// "2006-01-02" shapes of the certificate exports
const DateFormat = "strict_date_optional_time||yyyy-MM-dd HH:mm:ss||yyyy-MM-dd"

func fieldForType(typ string) Field {
	switch strings.ToLower(typ) {
	case "integer", "int", "long":
		return Field{Type: "long"}
	case "float", "double", "decimal", "number":
		return Field{Type: "double"}
	case "date", "datetime":
		return Field{Type: "date", Format: DateFormat}
	case "boolean", "bool":
		return Field{Type: "boolean"}
	case "geo_point":
		return Field{Type: "geo_point"}
	case "keyword":
		return Field{Type: "keyword"}
	default:
		return Field{
			Type: "text",
			Fields: map[string]Field{
				"keyword": {Type: "keyword", IgnoreAbove: 256},
			},
		}
	}
}
