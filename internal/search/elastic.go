package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/tbrd/green-home-search/config"
	"github.com/tbrd/green-home-search/internal/mapping"
)

// Elastic is a Store backed by an Elasticsearch cluster
type Elastic struct {
	client *elasticsearch.Client
}

// NewElastic creates an Elasticsearch client from the store configuration
func NewElastic(cfg config.StoreConfig) (*Elastic, error) {
	esConfig := elasticsearch.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.Timeout > 0 {
		esConfig.Transport = &http.Transport{
			ResponseHeaderTimeout: time.Duration(cfg.Timeout) * time.Second,
		}
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return &Elastic{client: client}, nil
}

// NewElasticWithClient wraps an existing client
func NewElasticWithClient(client *elasticsearch.Client) *Elastic {
	return &Elastic{client: client}
}

// Open returns the Store selected by the configuration
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendElasticsearch:
		return NewElastic(cfg)
	case config.BackendBleve:
		return NewEngine(cfg.IndexPath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Ping verifies the cluster is reachable
func (e *Elastic) Ping(ctx context.Context) error {
	res, err := esapi.InfoRequest{}.Do(ctx, e.client)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer res.Body.Close()
	return responseError(res)
}

// TermsPage pages distinct values of field with a composite aggregation
func (e *Elastic) TermsPage(ctx context.Context, index, field string, size int, after string) (*TermsPage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid page size %d", size)
	}

	composite := map[string]interface{}{
		"size": size,
		"sources": []interface{}{
			map[string]interface{}{"key": map[string]interface{}{"terms": map[string]interface{}{"field": field}}},
		},
	}
	if after != "" {
		composite["after"] = map[string]interface{}{"key": after}
	}
	body := map[string]interface{}{
		"size": 0,
		"aggs": map[string]interface{}{
			"keys": map[string]interface{}{"composite": composite},
		},
	}

	var response struct {
		Aggregations struct {
			Keys struct {
				Buckets []struct {
					Key      map[string]interface{} `json:"key"`
					DocCount int64                  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"keys"`
		} `json:"aggregations"`
	}
	if err := e.search(ctx, index, body, &response); err != nil {
		return nil, err
	}

	buckets := response.Aggregations.Keys.Buckets
	page := &TermsPage{Buckets: make([]TermBucket, 0, len(buckets))}
	for _, bucket := range buckets {
		page.Buckets = append(page.Buckets, TermBucket{Key: keyString(bucket.Key["key"]), Count: bucket.DocCount})
	}
	if len(page.Buckets) == size {
		page.After = page.Buckets[size-1].Key
	}
	return page, nil
}

// Search runs q as a bool filter query
func (e *Elastic) Search(ctx context.Context, index string, q Query) (*SearchResult, error) {
	if q.Size < 0 {
		return nil, fmt.Errorf("invalid size %d", q.Size)
	}

	filters := make([]interface{}, 0, len(q.Filters)+2)
	for _, filter := range q.Filters {
		filters = append(filters, termClause(filter))
	}
	if q.Range != nil {
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{
				q.Range.Field: map[string]interface{}{"lt": q.Range.Before.UTC().Format(time.RFC3339)},
			},
		})
	}
	if q.After != "" {
		if q.SortBy == "" {
			return nil, fmt.Errorf("after requires a sort field")
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{q.SortBy: map[string]interface{}{"gt": q.After}},
		})
	}

	body := map[string]interface{}{
		"size":             q.Size,
		"track_total_hits": true,
		"query":            map[string]interface{}{"bool": map[string]interface{}{"filter": filters}},
	}
	if q.SortBy != "" {
		order := "asc"
		if q.Desc {
			order = "desc"
		}
		body["sort"] = []interface{}{
			map[string]interface{}{q.SortBy: map[string]interface{}{"order": order, "missing": "_last"}},
		}
	}

	var response struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string          `json:"_id"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := e.search(ctx, index, body, &response); err != nil {
		return nil, err
	}

	result := &SearchResult{Total: response.Hits.Total.Value, Hits: make([]Hit, 0, len(response.Hits.Hits))}
	for _, hit := range response.Hits.Hits {
		result.Hits = append(result.Hits, Hit{ID: hit.ID, Source: hit.Source})
	}
	return result, nil
}

func (e *Elastic) search(ctx context.Context, index string, body map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode search: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(data),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer res.Body.Close()

	if err := responseError(res); err != nil {
		return err
	}
	return decodeBody(res.Body, out)
}

// Get returns the source of one document
func (e *Elastic) Get(ctx context.Context, index, id string) (json.RawMessage, error) {
	res, err := esapi.GetRequest{Index: index, DocumentID: id}.Do(ctx, e.client)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, index, id)
	}
	if err := responseError(res); err != nil {
		return nil, err
	}

	var doc struct {
		Found  bool            `json:"found"`
		Source json.RawMessage `json:"_source"`
	}
	if err := decodeBody(res.Body, &doc); err != nil {
		return nil, err
	}
	if !doc.Found {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, index, id)
	}
	return doc.Source, nil
}

// Count returns the number of documents visible through index
func (e *Elastic) Count(ctx context.Context, index string) (int64, error) {
	res, err := esapi.CountRequest{Index: []string{index}}.Do(ctx, e.client)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	if err := responseError(res); err != nil {
		return 0, err
	}

	var count struct {
		Count int64 `json:"count"`
	}
	if err := decodeBody(res.Body, &count); err != nil {
		return 0, err
	}
	return count.Count, nil
}

// Bulk sends items as one NDJSON bulk request
func (e *Elastic) Bulk(ctx context.Context, items []BulkItem) (*BulkResult, error) {
	result := &BulkResult{Items: make([]BulkItemResult, 0, len(items))}
	if len(items) == 0 {
		return result, nil
	}

	var buf bytes.Buffer
	for _, item := range items {
		action := item.Action
		if action == "" {
			action = ActionIndex
		}
		meta := map[string]interface{}{
			string(action): map[string]interface{}{"_index": item.Index, "_id": item.ID},
		}
		if err := writeLine(&buf, meta); err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		switch action {
		case ActionIndex:
			if err := writeLine(&buf, item.Doc); err != nil {
				return nil, fmt.Errorf("failed to marshal document %s: %w", item.ID, err)
			}
		case ActionUpdate:
			if err := writeLine(&buf, map[string]interface{}{"doc": item.Doc}); err != nil {
				return nil, fmt.Errorf("failed to marshal update %s: %w", item.ID, err)
			}
		case ActionDelete:
		default:
			return nil, fmt.Errorf("unknown bulk action %q", action)
		}
	}

	res, err := esapi.BulkRequest{Body: &buf}.Do(ctx, e.client)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer res.Body.Close()

	if err := responseError(res); err != nil {
		return nil, err
	}

	var response struct {
		Errors bool                         `json:"errors"`
		Items  []map[string]bulkItemOutcome `json:"items"`
	}
	if err := decodeBody(res.Body, &response); err != nil {
		return nil, err
	}
	if len(response.Items) != len(items) {
		return nil, fmt.Errorf("bulk response has %d items for %d requested", len(response.Items), len(items))
	}

	for i, entry := range response.Items {
		itemResult := BulkItemResult{ID: items[i].ID, Index: items[i].Index}
		for action, outcome := range entry {
			itemResult.Action = BulkAction(action)
			itemResult.Index = outcome.Index
			itemResult.Status = outcome.Status
			if outcome.Error != nil {
				itemResult.Error = outcome.Error.String()
			}
		}
		result.Items = append(result.Items, itemResult)
	}
	return result, nil
}

type bulkItemOutcome struct {
	Index  string        `json:"_index"`
	ID     string        `json:"_id"`
	Status int           `json:"status"`
	Error  *elasticError `json:"error,omitempty"`
}

// Refresh makes recent writes visible to search
func (e *Elastic) Refresh(ctx context.Context, index string) error {
	res, err := esapi.IndicesRefreshRequest{Index: []string{index}}.Do(ctx, e.client)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	return responseError(res)
}

// IndexExists reports whether a concrete index exists
func (e *Elastic) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, e.client)
	if err != nil {
		return false, &TransientError{Err: err}
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, responseError(res)
	}
}

// CreateIndex creates an index with the given definition as its body
func (e *Elastic) CreateIndex(ctx context.Context, name string, def *mapping.Definition) error {
	var body io.Reader
	if def != nil {
		data, err := def.JSON()
		if err != nil {
			return fmt.Errorf("failed to encode mapping: %w", err)
		}
		body = bytes.NewReader(data)
	}

	res, err := esapi.IndicesCreateRequest{Index: name, Body: body}.Do(ctx, e.client)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer res.Body.Close()

	err = responseError(res)
	var esErr *elasticError
	if errors.As(err, &esErr) && esErr.Type == "resource_already_exists_exception" {
		return fmt.Errorf("%w: %s", ErrIndexExists, name)
	}
	return err
}

// DeleteIndex removes a concrete index
func (e *Elastic) DeleteIndex(ctx context.Context, name string) error {
	res, err := esapi.IndicesDeleteRequest{Index: []string{name}}.Do(ctx, e.client)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return responseError(res)
}

// ListIndices lists concrete indexes with document counts and aliases
func (e *Elastic) ListIndices(ctx context.Context) ([]IndexInfo, error) {
	res, err := esapi.CatIndicesRequest{Format: "json"}.Do(ctx, e.client)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer res.Body.Close()

	if err := responseError(res); err != nil {
		return nil, err
	}

	var rows []struct {
		Index     string `json:"index"`
		DocsCount string `json:"docs.count"`
	}
	if err := decodeBody(res.Body, &rows); err != nil {
		return nil, err
	}

	bindings, err := e.GetAliases(ctx)
	if err != nil {
		return nil, err
	}
	bound := make(map[string][]string)
	for _, binding := range bindings {
		bound[binding.Index] = append(bound[binding.Index], binding.Alias)
	}

	infos := make([]IndexInfo, 0, len(rows))
	for _, row := range rows {
		if strings.HasPrefix(row.Index, ".") {
			continue
		}
		docCount, _ := strconv.ParseUint(row.DocsCount, 10, 64)
		infos = append(infos, IndexInfo{Name: row.Index, DocCount: docCount, Aliases: bound[row.Index]})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// GetAliases returns alias bindings, for the named aliases or all of them
func (e *Elastic) GetAliases(ctx context.Context, names ...string) ([]AliasBinding, error) {
	res, err := esapi.IndicesGetAliasRequest{Name: names}.Do(ctx, e.client)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer res.Body.Close()

	// A 404 still lists the aliases that were found
	if res.StatusCode != http.StatusNotFound {
		if err := responseError(res); err != nil {
			return nil, err
		}
	}

	var response map[string]json.RawMessage
	if err := decodeBody(res.Body, &response); err != nil {
		return nil, err
	}

	var bindings []AliasBinding
	for index, raw := range response {
		if index == "error" || index == "status" {
			continue
		}
		var entry struct {
			Aliases map[string]struct {
				Filter map[string]interface{} `json:"filter"`
			} `json:"aliases"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode aliases of %s: %w", index, err)
		}
		for alias, def := range entry.Aliases {
			if strings.HasPrefix(alias, ".") {
				continue
			}
			bindings = append(bindings, AliasBinding{Alias: alias, Index: index, Filter: parseTermClause(def.Filter)})
		}
	}

	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Alias != bindings[j].Alias {
			return bindings[i].Alias < bindings[j].Alias
		}
		return bindings[i].Index < bindings[j].Index
	})
	return bindings, nil
}

// UpdateAliases applies all alias actions in one atomic request
func (e *Elastic) UpdateAliases(ctx context.Context, actions []AliasAction) error {
	if len(actions) == 0 {
		return nil
	}

	bodyActions := make([]interface{}, 0, len(actions))
	for _, action := range actions {
		spec := map[string]interface{}{"index": action.Index, "alias": action.Alias}
		if action.Filter != nil && action.Type == AliasAdd {
			spec["filter"] = termClause(*action.Filter)
		}
		bodyActions = append(bodyActions, map[string]interface{}{string(action.Type): spec})
	}

	data, err := json.Marshal(map[string]interface{}{"actions": bodyActions})
	if err != nil {
		return fmt.Errorf("failed to encode alias actions: %w", err)
	}

	res, err := esapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(data)}.Do(ctx, e.client)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer res.Body.Close()

	if err := responseError(res); err != nil {
		if IsTransient(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAliasConflict, err)
	}
	return nil
}

// Close releases idle connections
func (e *Elastic) Close() error {
	return nil
}

func termClause(filter TermFilter) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{filter.Field: filter.Value},
	}
}

// parseTermClause reads back a single term filter, the only alias filter
// this package writes
func parseTermClause(clause map[string]interface{}) *TermFilter {
	term, ok := clause["term"].(map[string]interface{})
	if !ok || len(term) != 1 {
		return nil
	}
	for field, value := range term {
		if wrapped, ok := value.(map[string]interface{}); ok {
			value = wrapped["value"]
		}
		return &TermFilter{Field: field, Value: value}
	}
	return nil
}

func keyString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func writeLine(buf *bytes.Buffer, v interface{}) error {
	var data []byte
	switch raw := v.(type) {
	case json.RawMessage:
		data = raw
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = encoded
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return nil
}

func decodeBody(body io.Reader, out interface{}) error {
	decoder := json.NewDecoder(body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// elasticError is the error object of an Elasticsearch response
type elasticError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Status int    `json:"-"`
}

func (e *elasticError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Status, e.String())
}

func (e *elasticError) String() string {
	if e.Reason == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

// responseError converts an error response to an error. Overload and gateway
// statuses are transient.
func responseError(res *esapi.Response) error {
	if !res.IsError() {
		return nil
	}

	esErr := &elasticError{Status: res.StatusCode, Type: http.StatusText(res.StatusCode)}
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	data, _ := io.ReadAll(res.Body)
	if json.Unmarshal(data, &body) == nil && len(body.Error) > 0 {
		var detail elasticError
		if json.Unmarshal(body.Error, &detail) == nil && detail.Type != "" {
			esErr.Type = detail.Type
			esErr.Reason = detail.Reason
		} else {
			var message string
			if json.Unmarshal(body.Error, &message) == nil {
				esErr.Reason = message
			}
		}
	}

	switch res.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &TransientError{Err: esErr}
	}
	return esErr
}
