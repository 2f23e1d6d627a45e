// Package lifecycle manages versioned concrete indices of an index family and
// the aliases in front of them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tbrd/green-home-search/config"
	"github.com/tbrd/green-home-search/internal/mapping"
	"github.com/tbrd/green-home-search/internal/metrics"
	"github.com/tbrd/green-home-search/internal/search"
)

// Lifecycle errors
var (
	ErrVersionExists     = errors.New("index version already exists")
	ErrVersionBound      = errors.New("index version is bound to an alias")
	ErrInvalidTransition = errors.New("invalid index state transition")
	ErrNotReady          = errors.New("index version is not ready")
)

// State of one concrete index version
type State string

const (
	StateAbsent   State = "absent"
	StateCreating State = "creating"
	StateReady    State = "ready"
	StateRetiring State = "retiring"
)

var transitions = map[State][]State{
	StateAbsent:   {StateCreating},
	StateCreating: {StateReady, StateAbsent},
	StateReady:    {StateRetiring},
	StateRetiring: {StateAbsent},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Family describes an index family and its alias set
type Family struct {
	Name     string
	AllAlias string
	// ActiveAlias is optional and always carries ActiveFilter
	ActiveAlias  string
	ActiveFilter *search.TermFilter
}

// ListingsFamily returns the listings family from configuration
func ListingsFamily(cfg config.ListingsConfig) Family {
	return Family{
		Name:         cfg.Family,
		AllAlias:     cfg.AllAlias,
		ActiveAlias:  cfg.ActiveAlias,
		ActiveFilter: &search.TermFilter{Field: cfg.ActiveField, Value: true},
	}
}

// PropertiesFamily returns the properties family from configuration
func PropertiesFamily(cfg config.BuildConfig) Family {
	return Family{
		Name:     cfg.Family,
		AllAlias: cfg.Alias,
	}
}

func (f Family) aliases() []string {
	names := []string{f.AllAlias}
	if f.ActiveAlias != "" {
		names = append(names, f.ActiveAlias)
	}
	return names
}

// IndexName returns the concrete index name of a family version
func IndexName(family string, version int) string {
	return fmt.Sprintf("%s-v%d", family, version)
}

// ParseIndexName splits a concrete index name into family and version
func ParseIndexName(name string) (string, int, error) {
	pos := strings.LastIndex(name, "-v")
	if pos <= 0 {
		return "", 0, fmt.Errorf("%q is not a versioned index name", name)
	}
	digits := name[pos+2:]
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return "", 0, fmt.Errorf("%q is not a versioned index name", name)
	}
	version, err := strconv.Atoi(digits)
	if err != nil || version <= 0 {
		return "", 0, fmt.Errorf("%q has an invalid version", name)
	}
	return name[:pos], version, nil
}

// Store is the index administration part of the search store
type Store interface {
	IndexExists(ctx context.Context, name string) (bool, error)
	CreateIndex(ctx context.Context, name string, def *mapping.Definition) error
	DeleteIndex(ctx context.Context, name string) error
	ListIndices(ctx context.Context) ([]search.IndexInfo, error)
	GetAliases(ctx context.Context, names ...string) ([]search.AliasBinding, error)
	UpdateAliases(ctx context.Context, actions []search.AliasAction) error
}

// Cutover is the outcome of a successful repoint
type Cutover struct {
	Family  string `json:"family"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Retired bool   `json:"retired"`
}

// RepointOptions controls a repoint
type RepointOptions struct {
	// Force recreates the new version if it already exists unbound
	Force bool
	// KeepOld leaves the previous version in place after the cutover
	KeepOld bool
}

// RebuildFunc fills a freshly created concrete index
type RebuildFunc func(ctx context.Context, index string) error

// Manager drives the versions of one family through their states
type Manager struct {
	store  Store
	family Family

	mu     sync.Mutex
	states map[int]State
}

// NewManager creates a lifecycle manager for family
func NewManager(store Store, family Family) *Manager {
	return &Manager{
		store:  store,
		family: family,
		states: make(map[int]State),
	}
}

// Family returns the managed family
func (m *Manager) Family() Family {
	return m.family
}

// State returns the known state of a version
func (m *Manager) State(version int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[version]; ok {
		return state
	}
	return StateAbsent
}

func (m *Manager) transition(version int, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.states[version]
	if !ok {
		from = StateAbsent
	}
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, IndexName(m.family.Name, version), from, to)
	}

	if to == StateAbsent {
		delete(m.states, version)
	} else {
		m.states[version] = to
	}
	return nil
}

// Discover seeds the state of every existing concrete index of the family
// as ready
func (m *Manager) Discover(ctx context.Context) ([]int, error) {
	indices, err := m.store.ListIndices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indices: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var versions []int
	for _, info := range indices {
		family, version, err := ParseIndexName(info.Name)
		if err != nil || family != m.family.Name {
			continue
		}
		if _, known := m.states[version]; !known {
			m.states[version] = StateReady
		}
		versions = append(versions, version)
	}
	sort.Ints(versions)
	return versions, nil
}

// NextVersion returns one past the highest existing version
func (m *Manager) NextVersion(ctx context.Context) (int, error) {
	versions, err := m.Discover(ctx)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 1, nil
	}
	return versions[len(versions)-1] + 1, nil
}

// observe seeds an existing but unknown version as ready
func (m *Manager) observe(ctx context.Context, version int) error {
	m.mu.Lock()
	_, known := m.states[version]
	m.mu.Unlock()
	if known {
		return nil
	}

	exists, err := m.store.IndexExists(ctx, IndexName(m.family.Name, version))
	if err != nil {
		return err
	}
	if exists {
		m.mu.Lock()
		if _, known := m.states[version]; !known {
			m.states[version] = StateReady
		}
		m.mu.Unlock()
	}
	return nil
}

// boundAliases returns the aliases bound to a concrete index
func (m *Manager) boundAliases(ctx context.Context, index string) ([]string, error) {
	bindings, err := m.store.GetAliases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read aliases: %w", err)
	}
	var names []string
	for _, binding := range bindings {
		if binding.Index == index {
			names = append(names, binding.Alias)
		}
	}
	return names, nil
}

// CreateVersioned creates an empty concrete index for version and leaves it
// creating until MarkReady. An existing version is an error unless force is
// set, and a bound version is never recreated.
func (m *Manager) CreateVersioned(ctx context.Context, def *mapping.Definition, version int, force bool) (string, error) {
	name := IndexName(m.family.Name, version)

	if err := m.observe(ctx, version); err != nil {
		return "", fmt.Errorf("failed to check index %s: %w", name, err)
	}

	if m.State(version) != StateAbsent {
		if !force {
			return "", fmt.Errorf("%w: %s", ErrVersionExists, name)
		}
		if err := m.retire(ctx, version); err != nil {
			return "", err
		}
		log.Printf("Removed existing index %s for recreation", name)
	}

	if err := m.transition(version, StateCreating); err != nil {
		return "", err
	}
	if err := m.store.CreateIndex(ctx, name, def); err != nil {
		if resetErr := m.transition(version, StateAbsent); resetErr != nil {
			log.Printf("Failed to reset state of %s: %v", name, resetErr)
		}
		if errors.Is(err, search.ErrIndexExists) {
			return "", fmt.Errorf("%w: %s", ErrVersionExists, name)
		}
		return "", fmt.Errorf("failed to create index %s: %w", name, err)
	}

	log.Printf("Created index %s", name)
	return name, nil
}

// MarkReady completes the creation of a version
func (m *Manager) MarkReady(version int) error {
	return m.transition(version, StateReady)
}

// Abandon deletes a version whose build failed
func (m *Manager) Abandon(ctx context.Context, version int) error {
	name := IndexName(m.family.Name, version)
	if m.State(version) != StateCreating {
		return fmt.Errorf("%w: %s is %s, not creating", ErrInvalidTransition, name, m.State(version))
	}
	if err := m.store.DeleteIndex(ctx, name); err != nil && !errors.Is(err, search.ErrIndexNotFound) {
		return fmt.Errorf("failed to delete abandoned index %s: %w", name, err)
	}
	return m.transition(version, StateAbsent)
}

// BindAliases points every alias of the family at version in a single
// atomic alias update, removing whatever each alias was bound to before
func (m *Manager) BindAliases(ctx context.Context, version int) error {
	name := IndexName(m.family.Name, version)
	if err := m.observe(ctx, version); err != nil {
		return fmt.Errorf("failed to check index %s: %w", name, err)
	}
	if state := m.State(version); state != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, name, state)
	}

	current, err := m.store.GetAliases(ctx, m.family.aliases()...)
	if err != nil {
		return fmt.Errorf("failed to read aliases: %w", err)
	}

	var actions []search.AliasAction
	for _, binding := range current {
		actions = append(actions, search.AliasAction{Type: search.AliasRemove, Index: binding.Index, Alias: binding.Alias})
	}
	actions = append(actions, search.AliasAction{Type: search.AliasAdd, Index: name, Alias: m.family.AllAlias})
	if m.family.ActiveAlias != "" {
		actions = append(actions, search.AliasAction{Type: search.AliasAdd, Index: name, Alias: m.family.ActiveAlias, Filter: m.family.ActiveFilter})
	}

	if err := m.store.UpdateAliases(ctx, actions); err != nil {
		return fmt.Errorf("failed to bind %v to %s: %w", m.family.aliases(), name, err)
	}

	metrics.AliasCutovers.WithLabelValues(m.family.Name).Inc()
	log.Printf("Bound %v to %s", m.family.aliases(), name)
	return nil
}

// CurrentVersion resolves the version behind the family's all alias. The
// second return is false when the alias is unbound.
func (m *Manager) CurrentVersion(ctx context.Context) (int, bool, error) {
	bindings, err := m.store.GetAliases(ctx, m.family.AllAlias)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read alias %s: %w", m.family.AllAlias, err)
	}
	if len(bindings) == 0 {
		return 0, false, nil
	}

	family, version, err := ParseIndexName(bindings[0].Index)
	if err != nil {
		return 0, false, err
	}
	if family != m.family.Name {
		return 0, false, fmt.Errorf("alias %s points at %s outside family %s", m.family.AllAlias, bindings[0].Index, m.family.Name)
	}
	return version, true, nil
}

// Retire deletes a version no alias points at
func (m *Manager) Retire(ctx context.Context, version int) error {
	if err := m.observe(ctx, version); err != nil {
		return fmt.Errorf("failed to check index %s: %w", IndexName(m.family.Name, version), err)
	}
	return m.retire(ctx, version)
}

func (m *Manager) retire(ctx context.Context, version int) error {
	name := IndexName(m.family.Name, version)

	bound, err := m.boundAliases(ctx, name)
	if err != nil {
		return err
	}
	if len(bound) > 0 {
		return fmt.Errorf("%w: %s is behind %v", ErrVersionBound, name, bound)
	}

	if err := m.transition(version, StateRetiring); err != nil {
		return err
	}
	if err := m.store.DeleteIndex(ctx, name); err != nil && !errors.Is(err, search.ErrIndexNotFound) {
		// Still present, so it stays usable
		m.mu.Lock()
		m.states[version] = StateReady
		m.mu.Unlock()
		return fmt.Errorf("failed to delete index %s: %w", name, err)
	}

	log.Printf("Retired index %s", name)
	return m.transition(version, StateAbsent)
}

// Repoint creates newVersion, fills it with rebuild and cuts the aliases over
// to it. The previous version is retired only after the cutover succeeded.
//
// A failed rebuild deletes the new version; a failed cutover leaves it ready
// but unbound. Either way the previous version stays bound.
func (m *Manager) Repoint(ctx context.Context, def *mapping.Definition, newVersion int, rebuild RebuildFunc, opts RepointOptions) (*Cutover, error) {
	oldVersion, hasOld, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if hasOld && oldVersion == newVersion {
		return nil, fmt.Errorf("%w: %s", ErrVersionBound, IndexName(m.family.Name, newVersion))
	}

	name, err := m.CreateVersioned(ctx, def, newVersion, opts.Force)
	if err != nil {
		return nil, err
	}

	if err := rebuild(ctx, name); err != nil {
		if abandonErr := m.Abandon(context.WithoutCancel(ctx), newVersion); abandonErr != nil {
			log.Printf("Failed to clean up %s: %v", name, abandonErr)
		}
		return nil, fmt.Errorf("rebuild of %s failed: %w", name, err)
	}
	if err := m.MarkReady(newVersion); err != nil {
		return nil, err
	}

	if err := m.BindAliases(ctx, newVersion); err != nil {
		return nil, fmt.Errorf("cutover to %s failed, previous binding kept: %w", name, err)
	}

	cutover := &Cutover{Family: m.family.Name, To: name}
	if !hasOld {
		return cutover, nil
	}
	cutover.From = IndexName(m.family.Name, oldVersion)
	if opts.KeepOld {
		return cutover, nil
	}

	if err := m.Retire(ctx, oldVersion); err != nil {
		log.Printf("Cutover to %s done but %s was not retired: %v", name, cutover.From, err)
		return cutover, nil
	}
	cutover.Retired = true
	return cutover, nil
}
