package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Search runs q against an index or alias. A filtered alias only sees the
// documents matching its filter.
func (e *Engine) Search(ctx context.Context, index string, q Query) (*SearchResult, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	idx, _, filter, err := e.resolve(index)
	if err != nil {
		return nil, err
	}
	return searchIndex(ctx, idx, q, filter)
}

func searchIndex(ctx context.Context, idx bleve.Index, q Query, filter *TermFilter) (*SearchResult, error) {
	if q.Size < 0 {
		return nil, fmt.Errorf("invalid size %d", q.Size)
	}

	bleveQuery, err := convertQuery(q, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to convert query: %w", err)
	}

	searchReq := bleve.NewSearchRequestOptions(bleveQuery, q.Size, 0, false)
	searchReq.Fields = []string{sourceField}
	if order := sortOrder(q); order != nil {
		searchReq.SortBy(order)
	}

	result, err := idx.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return convertSearchResult(result)
}

func convertSearchResult(result *bleve.SearchResult) (*SearchResult, error) {
	searchResult := &SearchResult{
		Hits:  make([]Hit, 0, len(result.Hits)),
		Total: int64(result.Total),
	}
	for _, hit := range result.Hits {
		source, ok := hit.Fields[sourceField].(string)
		if !ok {
			return nil, fmt.Errorf("document %s has no stored source", hit.ID)
		}
		searchResult.Hits = append(searchResult.Hits, Hit{ID: hit.ID, Source: json.RawMessage(source)})
	}
	return searchResult, nil
}

// Get returns the source of one document
func (e *Engine) Get(ctx context.Context, index, id string) (json.RawMessage, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	idx, _, filter, err := e.resolve(index)
	if err != nil {
		return nil, err
	}

	source, err := getSource(ctx, idx, id, filter)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, index, id)
	}
	return source, nil
}

// getSource returns nil without error when the document does not exist
func getSource(ctx context.Context, idx bleve.Index, id string, filter *TermFilter) (json.RawMessage, error) {
	var q query.Query = bleve.NewDocIDQuery([]string{id})
	if filter != nil {
		filterQuery, err := convertTermFilter(*filter)
		if err != nil {
			return nil, err
		}
		q = bleve.NewConjunctionQuery(q, filterQuery)
	}

	searchReq := bleve.NewSearchRequestOptions(q, 1, 0, false)
	searchReq.Fields = []string{sourceField}
	result, err := idx.SearchInContext(ctx, searchReq)
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}

	converted, err := convertSearchResult(result)
	if err != nil {
		return nil, err
	}
	if len(converted.Hits) == 0 {
		return nil, nil
	}
	return converted.Hits[0].Source, nil
}

// TermsPage lists distinct values of field in ascending order, starting
// strictly after the given key. Values are read from the term dictionary, so
// the field must be indexed untokenized (keyword).
func (e *Engine) TermsPage(ctx context.Context, index, field string, size int, after string) (*TermsPage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid page size %d", size)
	}

	e.mutex.RLock()
	defer e.mutex.RUnlock()

	idx, _, filter, err := e.resolve(index)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		return nil, fmt.Errorf("terms paging through filtered alias %s is not supported", index)
	}

	var start []byte
	if after != "" {
		start = []byte(after + "\x00")
	}

	dict, err := idx.FieldDictRange(field, start, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read terms of %s: %w", field, err)
	}
	defer dict.Close()

	page := &TermsPage{Buckets: make([]TermBucket, 0, size)}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := dict.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read terms of %s: %w", field, err)
		}
		if entry == nil {
			break
		}
		if len(page.Buckets) == size {
			page.After = page.Buckets[size-1].Key
			break
		}
		page.Buckets = append(page.Buckets, TermBucket{Key: entry.Term, Count: int64(entry.Count)})
	}

	return page, nil
}

// Bulk applies items grouped into one Bleve batch per target index. Item
// failures are reported per item; an error is returned only when the request
// as a whole could not run.
func (e *Engine) Bulk(ctx context.Context, items []BulkItem) (*BulkResult, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	result := &BulkResult{Items: make([]BulkItemResult, len(items))}

	var order []string
	groups := make(map[string][]int)
	for i, item := range items {
		action := item.Action
		if action == "" {
			action = ActionIndex
		}
		result.Items[i] = BulkItemResult{Action: action, ID: item.ID, Index: item.Index}

		_, name, _, err := e.resolve(item.Index)
		if err != nil {
			result.Items[i].Status = http.StatusNotFound
			result.Items[i].Error = err.Error()
			continue
		}
		if item.ID == "" {
			result.Items[i].Status = http.StatusBadRequest
			result.Items[i].Error = "missing document id"
			continue
		}

		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}
		groups[name] = append(groups[name], i)
	}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.applyBatch(ctx, name, items, groups[name], result)
	}

	return result, nil
}

func (e *Engine) applyBatch(ctx context.Context, name string, items []BulkItem, positions []int, result *BulkResult) {
	idx := e.indexes[name]
	batch := idx.NewBatch()

	// Sources written earlier in this batch; nil marks a delete
	pending := make(map[string]json.RawMessage)
	var applied []int

	lookup := func(id string) (json.RawMessage, error) {
		if source, ok := pending[id]; ok {
			return source, nil
		}
		return getSource(ctx, idx, id, nil)
	}

	for _, pos := range positions {
		item := items[pos]
		res := &result.Items[pos]
		res.Index = name

		fail := func(status int, err error) {
			res.Status = status
			res.Error = err.Error()
		}

		switch item.Action {
		case ActionIndex, "":
			raw, fields, err := toSource(item.Doc)
			if err != nil {
				fail(http.StatusBadRequest, err)
				continue
			}
			if err := batch.Index(item.ID, fields); err != nil {
				fail(http.StatusBadRequest, err)
				continue
			}
			pending[item.ID] = raw

		case ActionUpdate:
			current, err := lookup(item.ID)
			if err != nil {
				fail(http.StatusInternalServerError, err)
				continue
			}
			if current == nil {
				fail(http.StatusNotFound, fmt.Errorf("document %s missing", item.ID))
				continue
			}
			merged, err := mergeSource(current, item.Doc)
			if err != nil {
				fail(http.StatusBadRequest, err)
				continue
			}
			raw, fields, err := toSource(merged)
			if err != nil {
				fail(http.StatusBadRequest, err)
				continue
			}
			if err := batch.Index(item.ID, fields); err != nil {
				fail(http.StatusBadRequest, err)
				continue
			}
			pending[item.ID] = raw

		case ActionDelete:
			current, err := lookup(item.ID)
			if err != nil {
				fail(http.StatusInternalServerError, err)
				continue
			}
			if current == nil {
				fail(http.StatusNotFound, fmt.Errorf("document %s not found", item.ID))
				continue
			}
			batch.Delete(item.ID)
			pending[item.ID] = nil

		default:
			fail(http.StatusBadRequest, fmt.Errorf("unknown bulk action %q", item.Action))
			continue
		}

		res.Status = http.StatusOK
		applied = append(applied, pos)
	}

	if batch.Size() == 0 {
		return
	}
	if err := idx.Batch(batch); err != nil {
		for _, pos := range applied {
			result.Items[pos].Status = http.StatusInternalServerError
			result.Items[pos].Error = fmt.Sprintf("batch failed: %v", err)
		}
	}
}

// mergeSource overwrites the top-level keys of current with those of partial
func mergeSource(current json.RawMessage, partial interface{}) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	if err := json.Unmarshal(current, &merged); err != nil {
		return nil, fmt.Errorf("stored source is not an object: %w", err)
	}

	raw, _, err := toSource(partial)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key, value := range fields {
		merged[key] = value
	}

	return json.Marshal(merged)
}
