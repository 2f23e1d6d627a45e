package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tbrd/green-home-search/internal/mapping"
)

// Store errors
var (
	ErrNotFound      = errors.New("document not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexNotFound = errors.New("index not found")
	ErrAliasConflict = errors.New("alias conflict")
)

var (
	_ Store = (*Engine)(nil)
	_ Store = (*Elastic)(nil)
)

// Store is the search store used for certificates, properties and listings.
// Index names may be concrete indexes or aliases.
type Store interface {
	// Reads
	TermsPage(ctx context.Context, index, field string, size int, after string) (*TermsPage, error)
	Search(ctx context.Context, index string, q Query) (*SearchResult, error)
	Get(ctx context.Context, index, id string) (json.RawMessage, error)
	Count(ctx context.Context, index string) (int64, error)

	// Writes
	Bulk(ctx context.Context, items []BulkItem) (*BulkResult, error)
	Refresh(ctx context.Context, index string) error

	// Index administration
	IndexExists(ctx context.Context, name string) (bool, error)
	CreateIndex(ctx context.Context, name string, def *mapping.Definition) error
	DeleteIndex(ctx context.Context, name string) error
	ListIndices(ctx context.Context) ([]IndexInfo, error)
	GetAliases(ctx context.Context, names ...string) ([]AliasBinding, error)
	UpdateAliases(ctx context.Context, actions []AliasAction) error

	Close() error
}

// TermBucket is one distinct value of a grouped field
type TermBucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// TermsPage is one page of distinct values in key order. After is the
// continuation token for the next page, empty once the values are exhausted.
type TermsPage struct {
	Buckets []TermBucket `json:"buckets"`
	After   string       `json:"after,omitempty"`
}

// TermFilter matches documents whose field equals value exactly
type TermFilter struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// DateBound matches documents whose field is strictly before Before
type DateBound struct {
	Field  string
	Before time.Time
}

// Query is the subset of search the indexing pipelines need: conjunctive
// exact filters, an optional date upper bound and keyset ordering.
type Query struct {
	Filters []TermFilter
	Range   *DateBound
	SortBy  string
	Desc    bool
	// After restricts results to SortBy values strictly greater than After
	After string
	Size  int
}

// Hit is one matching document
type Hit struct {
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
}

// SearchResult is the outcome of a Search
type SearchResult struct {
	Hits  []Hit `json:"hits"`
	Total int64 `json:"total"`
}

// BulkAction is the operation of one bulk item
type BulkAction string

const (
	// ActionIndex inserts or fully overwrites a document
	ActionIndex BulkAction = "index"
	// ActionUpdate merges a partial document into an existing one
	ActionUpdate BulkAction = "update"
	ActionDelete BulkAction = "delete"
)

// BulkItem is one action of a bulk request
type BulkItem struct {
	Action BulkAction
	Index  string
	ID     string
	Doc    interface{}
}

// BulkItemResult is the per item outcome of a bulk request
type BulkItemResult struct {
	Action BulkAction `json:"action"`
	ID     string     `json:"id"`
	Index  string     `json:"index"`
	Status int        `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Failed reports whether the item was rejected. Deleting a document that is
// already gone is not a failure.
func (r BulkItemResult) Failed() bool {
	if r.Action == ActionDelete && r.Status == http.StatusNotFound {
		return false
	}
	return r.Status >= 300 || r.Error != ""
}

// BulkResult holds one result per submitted item, in order
type BulkResult struct {
	Items []BulkItemResult `json:"items"`
}

// Failures counts rejected items
func (r *BulkResult) Failures() int {
	n := 0
	for _, item := range r.Items {
		if item.Failed() {
			n++
		}
	}
	return n
}

// IndexInfo describes a concrete index
type IndexInfo struct {
	Name     string   `json:"name"`
	DocCount uint64   `json:"docCount"`
	Aliases  []string `json:"aliases,omitempty"`
}

// AliasBinding is one alias to index binding
type AliasBinding struct {
	Alias  string      `json:"alias"`
	Index  string      `json:"index"`
	Filter *TermFilter `json:"filter,omitempty"`
}

// AliasActionType is add or remove
type AliasActionType string

const (
	AliasAdd    AliasActionType = "add"
	AliasRemove AliasActionType = "remove"
)

// AliasAction is one step of an atomic alias update
type AliasAction struct {
	Type   AliasActionType
	Index  string
	Alias  string
	Filter *TermFilter
}

// TransientError marks failures worth retrying: network errors, timeouts and
// overloaded-store responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
