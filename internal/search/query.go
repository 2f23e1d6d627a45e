package search

import (
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// convertQuery converts a Query, plus an optional alias filter, to a Bleve query
func convertQuery(q Query, aliasFilter *TermFilter) (query.Query, error) {
	var conjuncts []query.Query

	filters := q.Filters
	if aliasFilter != nil {
		filters = append([]TermFilter{*aliasFilter}, filters...)
	}
	for _, filter := range filters {
		termQuery, err := convertTermFilter(filter)
		if err != nil {
			return nil, err
		}
		conjuncts = append(conjuncts, termQuery)
	}

	if q.Range != nil {
		conjuncts = append(conjuncts, convertDateBound(*q.Range))
	}

	if q.After != "" {
		if q.SortBy == "" {
			return nil, fmt.Errorf("after requires a sort field")
		}
		exclusive := false
		rangeQuery := bleve.NewTermRangeInclusiveQuery(q.After, "", &exclusive, nil)
		rangeQuery.SetField(q.SortBy)
		conjuncts = append(conjuncts, rangeQuery)
	}

	switch len(conjuncts) {
	case 0:
		return bleve.NewMatchAllQuery(), nil
	case 1:
		return conjuncts[0], nil
	default:
		return bleve.NewConjunctionQuery(conjuncts...), nil
	}
}

// convertTermFilter picks the Bleve query matching the value's type
func convertTermFilter(filter TermFilter) (query.Query, error) {
	if filter.Field == "" {
		return nil, fmt.Errorf("term filter without field")
	}

	switch v := filter.Value.(type) {
	case string:
		termQuery := bleve.NewTermQuery(v)
		termQuery.SetField(filter.Field)
		return termQuery, nil
	case bool:
		boolQuery := bleve.NewBoolFieldQuery(v)
		boolQuery.SetField(filter.Field)
		return boolQuery, nil
	case int:
		return numericEquals(filter.Field, float64(v)), nil
	case int64:
		return numericEquals(filter.Field, float64(v)), nil
	case float64:
		return numericEquals(filter.Field, v), nil
	case nil:
		return nil, fmt.Errorf("term filter on %s without value", filter.Field)
	default:
		termQuery := bleve.NewTermQuery(fmt.Sprint(v))
		termQuery.SetField(filter.Field)
		return termQuery, nil
	}
}

func numericEquals(field string, value float64) query.Query {
	inclusive := true
	numericQuery := bleve.NewNumericRangeInclusiveQuery(&value, &value, &inclusive, &inclusive)
	numericQuery.SetField(field)
	return numericQuery
}

func convertDateBound(bound DateBound) query.Query {
	exclusive := false
	dateQuery := bleve.NewDateRangeInclusiveQuery(time.Time{}, bound.Before.UTC(), nil, &exclusive)
	dateQuery.SetField(bound.Field)
	return dateQuery
}

// sortOrder returns the Bleve sort order for a query, with the document id as
// the tie breaker.
func sortOrder(q Query) []string {
	if q.SortBy == "" {
		return nil
	}
	field := q.SortBy
	if q.Desc {
		field = "-" + field
	}
	return []string{field, "_id"}
}
