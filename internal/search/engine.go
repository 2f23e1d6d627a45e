package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/tbrd/green-home-search/internal/mapping"
)

// sourceField holds the raw JSON source of every document
const sourceField = "source_json"

const aliasFile = "aliases.json"

// Engine is an embedded Store backed by Bleve indexes. With an empty path all
// indexes live in memory.
type Engine struct {
	indexes   map[string]bleve.Index
	aliases   map[string]aliasEntry
	indexPath string
	mutex     sync.RWMutex
}

type aliasEntry struct {
	Index  string      `json:"index"`
	Filter *TermFilter `json:"filter,omitempty"`
}

// NewEngine opens the engine, reopening indexes and aliases found on disk
func NewEngine(indexPath string) (*Engine, error) {
	e := &Engine{
		indexes:   make(map[string]bleve.Index),
		aliases:   make(map[string]aliasEntry),
		indexPath: indexPath,
	}
	if indexPath == "" {
		return e, nil
	}

	if err := os.MkdirAll(indexPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	entries, err := os.ReadDir(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read index directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		index, err := bleve.Open(filepath.Join(indexPath, entry.Name()))
		if err != nil {
			log.Printf("Skipping unreadable index directory %s: %v", entry.Name(), err)
			continue
		}
		e.indexes[entry.Name()] = index
	}

	if err := e.loadAliases(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// IndexExists reports whether a concrete index exists
func (e *Engine) IndexExists(ctx context.Context, name string) (bool, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	_, exists := e.indexes[name]
	return exists, nil
}

// CreateIndex creates an empty index with the given mapping
func (e *Engine) CreateIndex(ctx context.Context, name string, def *mapping.Definition) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, exists := e.indexes[name]; exists {
		return fmt.Errorf("%w: %s", ErrIndexExists, name)
	}
	if _, isAlias := e.aliases[name]; isAlias {
		return fmt.Errorf("%w: %s is an alias", ErrIndexExists, name)
	}

	indexMapping, err := createMapping(def)
	if err != nil {
		return fmt.Errorf("invalid mapping for %s: %w", name, err)
	}

	var index bleve.Index
	if e.indexPath == "" {
		index, err = bleve.NewMemOnly(indexMapping)
	} else {
		index, err = bleve.New(filepath.Join(e.indexPath, name), indexMapping)
	}
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", name, err)
	}

	e.indexes[name] = index
	return nil
}

// DeleteIndex closes and removes an index. Aliases bound to it are dropped.
// Deletion waits for in-flight reads and writes on any index.
func (e *Engine) DeleteIndex(ctx context.Context, name string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	index, exists := e.indexes[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}

	if err := index.Close(); err != nil {
		return fmt.Errorf("failed to close index %s: %w", name, err)
	}
	delete(e.indexes, name)

	aliasesChanged := false
	for alias, entry := range e.aliases {
		if entry.Index == name {
			delete(e.aliases, alias)
			aliasesChanged = true
		}
	}

	if e.indexPath != "" {
		indexPath := filepath.Join(e.indexPath, name)
		if err := os.RemoveAll(indexPath); err != nil {
			return fmt.Errorf("failed to remove index directory %s: %w", indexPath, err)
		}
	}

	if aliasesChanged {
		return e.saveAliases(e.aliases)
	}
	return nil
}

// ListIndices returns every concrete index with its document count and aliases
func (e *Engine) ListIndices(ctx context.Context) ([]IndexInfo, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	bound := make(map[string][]string)
	for alias, entry := range e.aliases {
		bound[entry.Index] = append(bound[entry.Index], alias)
	}

	infos := make([]IndexInfo, 0, len(e.indexes))
	for name, index := range e.indexes {
		docCount, err := index.DocCount()
		if err != nil {
			// If we can't get doc count, report 0 and continue
			docCount = 0
		}
		aliases := bound[name]
		sort.Strings(aliases)
		infos = append(infos, IndexInfo{Name: name, DocCount: docCount, Aliases: aliases})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Count returns the number of documents visible through index
func (e *Engine) Count(ctx context.Context, index string) (int64, error) {
	result, err := e.Search(ctx, index, Query{Size: 0})
	if err != nil {
		return 0, err
	}
	return result.Total, nil
}

// Refresh is a no-op: Bleve batches are searchable once applied
func (e *Engine) Refresh(ctx context.Context, index string) error {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if _, _, _, err := e.resolve(index); err != nil {
		return err
	}
	return nil
}

// Close closes all indexes
func (e *Engine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var errors []error
	for name, index := range e.indexes {
		if err := index.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close index %s: %w", name, err))
		}
	}
	e.indexes = make(map[string]bleve.Index)

	if len(errors) > 0 {
		return fmt.Errorf("errors closing indexes: %v", errors)
	}
	return nil
}

// resolve maps an index or alias name to a concrete index. The caller holds
// the read lock.
func (e *Engine) resolve(name string) (bleve.Index, string, *TermFilter, error) {
	if entry, ok := e.aliases[name]; ok {
		index, exists := e.indexes[entry.Index]
		if !exists {
			return nil, "", nil, fmt.Errorf("%w: alias %s points at missing %s", ErrIndexNotFound, name, entry.Index)
		}
		return index, entry.Index, entry.Filter, nil
	}

	index, exists := e.indexes[name]
	if !exists {
		return nil, "", nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return index, name, nil, nil
}

// toSource encodes a document and returns both its raw source and the field
// map handed to Bleve.
func toSource(doc interface{}) (json.RawMessage, map[string]interface{}, error) {
	var raw json.RawMessage
	switch v := doc.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(doc)
		if err != nil {
			return nil, nil, err
		}
		raw = data
	}

	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("document is not a JSON object: %w", err)
	}
	fields[sourceField] = string(raw)
	return raw, fields, nil
}
