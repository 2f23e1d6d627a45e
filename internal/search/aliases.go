package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// GetAliases returns the bindings of the named aliases, or of every alias
// when no name is given. Unknown names are skipped.
func (e *Engine) GetAliases(ctx context.Context, names ...string) ([]AliasBinding, error) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	bindings := make([]AliasBinding, 0, len(e.aliases))
	for alias, entry := range e.aliases {
		if len(wanted) > 0 && !wanted[alias] {
			continue
		}
		bindings = append(bindings, AliasBinding{Alias: alias, Index: entry.Index, Filter: entry.Filter})
	}

	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Alias < bindings[j].Alias })
	return bindings, nil
}

// UpdateAliases applies all actions or none. An alias is bound to at most one
// index: adding it to a second index must be paired with removing it from the
// first in the same call. Readers never observe an intermediate state.
func (e *Engine) UpdateAliases(ctx context.Context, actions []AliasAction) error {
	if len(actions) == 0 {
		return nil
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	next := make(map[string]aliasEntry, len(e.aliases))
	for alias, entry := range e.aliases {
		next[alias] = entry
	}

	for i, action := range actions {
		if action.Alias == "" || action.Index == "" {
			return fmt.Errorf("%w: action %d needs both alias and index", ErrAliasConflict, i)
		}
		if _, exists := e.indexes[action.Index]; !exists {
			return fmt.Errorf("%w: %w: %s", ErrAliasConflict, ErrIndexNotFound, action.Index)
		}

		switch action.Type {
		case AliasAdd:
			if _, isIndex := e.indexes[action.Alias]; isIndex {
				return fmt.Errorf("%w: %s is an index name", ErrAliasConflict, action.Alias)
			}
			if current, bound := next[action.Alias]; bound && current.Index != action.Index {
				return fmt.Errorf("%w: %s is already bound to %s", ErrAliasConflict, action.Alias, current.Index)
			}
			next[action.Alias] = aliasEntry{Index: action.Index, Filter: action.Filter}

		case AliasRemove:
			current, bound := next[action.Alias]
			if !bound || current.Index != action.Index {
				return fmt.Errorf("%w: %s is not bound to %s", ErrAliasConflict, action.Alias, action.Index)
			}
			delete(next, action.Alias)

		default:
			return fmt.Errorf("%w: unknown alias action %q", ErrAliasConflict, action.Type)
		}
	}

	if err := e.saveAliases(next); err != nil {
		return err
	}
	e.aliases = next
	return nil
}

// saveAliases persists the alias table atomically. The caller holds the write
// lock.
func (e *Engine) saveAliases(aliases map[string]aliasEntry) error {
	if e.indexPath == "" {
		return nil
	}

	data, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}

	aliasPath := filepath.Join(e.indexPath, aliasFile)
	tempFile := aliasPath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write aliases: %w", err)
	}
	if err := os.Rename(tempFile, aliasPath); err != nil {
		return fmt.Errorf("failed to rename aliases file: %w", err)
	}
	return nil
}

func (e *Engine) loadAliases() error {
	data, err := os.ReadFile(filepath.Join(e.indexPath, aliasFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read aliases: %w", err)
	}

	aliases := make(map[string]aliasEntry)
	if err := json.Unmarshal(data, &aliases); err != nil {
		return fmt.Errorf("failed to parse aliases: %w", err)
	}

	for alias, entry := range aliases {
		if _, exists := e.indexes[entry.Index]; !exists {
			log.Printf("Dropping alias %s: index %s no longer exists", alias, entry.Index)
			delete(aliases, alias)
		}
	}
	e.aliases = aliases
	return nil
}
