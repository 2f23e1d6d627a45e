package search

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	blevemapping "github.com/blevesearch/bleve/v2/mapping"

	"github.com/tbrd/green-home-search/internal/mapping"
)

// createMapping translates a mapping definition into a Bleve index mapping.
// Keyword sub-fields are indexed under "<field>.keyword" and object fields
// become sub-documents.
func createMapping(def *mapping.Definition) (blevemapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	if def == nil {
		return indexMapping, nil
	}

	if !def.Mappings.IsDynamic() {
		indexMapping.DefaultMapping = bleve.NewDocumentStaticMapping()
		indexMapping.IndexDynamic = false
		indexMapping.StoreDynamic = false
	}

	if err := addProperties(indexMapping.DefaultMapping, def.Mappings.Properties, def.Mappings.IsDynamic()); err != nil {
		return nil, err
	}

	source := bleve.NewTextFieldMapping()
	source.Index = false
	source.Store = true
	source.IncludeInAll = false
	source.IncludeTermVectors = false
	source.DocValues = false
	indexMapping.DefaultMapping.AddFieldMappingsAt(sourceField, source)

	return indexMapping, nil
}

func addProperties(doc *blevemapping.DocumentMapping, props map[string]mapping.Field, dynamic bool) error {
	for name, field := range props {
		if field.IsObject() {
			sub := bleve.NewDocumentMapping()
			sub.Dynamic = dynamic
			if err := addProperties(sub, field.Properties, dynamic); err != nil {
				return err
			}
			doc.AddSubDocumentMapping(name, sub)
			continue
		}

		fieldMapping, err := createFieldMapping(field)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		fieldMappings := []*blevemapping.FieldMapping{fieldMapping}

		for subName, subField := range field.Fields {
			subMapping, err := createFieldMapping(subField)
			if err != nil {
				return fmt.Errorf("field %s.%s: %w", name, subName, err)
			}
			subMapping.Name = name + "." + subName
			fieldMappings = append(fieldMappings, subMapping)
		}

		doc.AddFieldMappingsAt(name, fieldMappings...)
	}
	return nil
}

// createFieldMapping creates a field mapping from a mapped field type
func createFieldMapping(field mapping.Field) (*blevemapping.FieldMapping, error) {
	var fieldMapping *blevemapping.FieldMapping

	switch field.Type {
	case "text", "":
		fieldMapping = bleve.NewTextFieldMapping()
	case "keyword":
		fieldMapping = bleve.NewKeywordFieldMapping()
	case "long", "integer", "short", "byte", "double", "float", "half_float", "scaled_float":
		fieldMapping = bleve.NewNumericFieldMapping()
	case "date":
		fieldMapping = bleve.NewDateTimeFieldMapping()
	case "boolean":
		fieldMapping = bleve.NewBooleanFieldMapping()
	case "geo_point":
		fieldMapping = bleve.NewGeoPointFieldMapping()
	default:
		return nil, fmt.Errorf("unsupported field type %q", field.Type)
	}

	if field.Index != nil && !*field.Index {
		fieldMapping.Index = false
		fieldMapping.DocValues = false
	}

	// Documents are rehydrated from the stored source
	fieldMapping.Store = false

	return fieldMapping, nil
}
