package domain

import (
	_ "embed"
	"fmt"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed transitions.yaml
var defaultTransitions []byte

type tableFile struct {
	Kinds map[Kind]kindSpec `yaml:"kinds"`
}

type kindSpec struct {
	Initial         Status              `yaml:"initial"`
	Terminal        []Status            `yaml:"terminal"`
	SelfTransitions []Status            `yaml:"self_transitions"`
	Transitions     map[Status][]Status `yaml:"transitions"`
}

type statusSet map[Status]struct{}

type kindTable struct {
	initial  Status
	terminal statusSet
	self     statusSet
	next     map[Status]statusSet
}

// Table maps (kind, from) to the set of legal next statuses.
// A Table is immutable after loading and safe for concurrent use.
type Table struct {
	kinds map[Kind]*kindTable
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// DefaultTable returns the transition table shipped with the binary.
// It panics if the embedded definition is invalid, which is a build defect.
func DefaultTable() *Table {
	defaultOnce.Do(func() {
		t, err := LoadTable(defaultTransitions)
		if err != nil {
			panic(fmt.Sprintf("embedded transition table: %v", err))
		}
		defaultTable = t
	})
	return defaultTable
}

// LoadTable parses and validates a YAML transition definition.
func LoadTable(data []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse transition table: %w", err)
	}
	if len(file.Kinds) == 0 {
		return nil, fmt.Errorf("transition table defines no kinds")
	}

	t := &Table{kinds: make(map[Kind]*kindTable, len(file.Kinds))}
	for kind, spec := range file.Kinds {
		kt, err := buildKind(kind, spec)
		if err != nil {
			return nil, err
		}
		t.kinds[kind] = kt
	}
	return t, nil
}

func buildKind(kind Kind, spec kindSpec) (*kindTable, error) {
	kt := &kindTable{
		initial:  spec.Initial,
		terminal: toSet(spec.Terminal),
		self:     toSet(spec.SelfTransitions),
		next:     make(map[Status]statusSet, len(spec.Transitions)),
	}
	for from, targets := range spec.Transitions {
		kt.next[from] = toSet(targets)
	}

	if _, ok := kt.next[kt.initial]; !ok {
		return nil, fmt.Errorf("kind %s: initial status %q is not a key", kind, kt.initial)
	}
	for from, targets := range kt.next {
		for to := range targets {
			if _, ok := kt.next[to]; !ok {
				return nil, fmt.Errorf("kind %s: %s -> %s targets an orphaned status", kind, from, to)
			}
			if to == from {
				return nil, fmt.Errorf("kind %s: %s lists itself; use self_transitions", kind, from)
			}
		}
	}
	for status := range kt.terminal {
		targets, ok := kt.next[status]
		if !ok {
			return nil, fmt.Errorf("kind %s: terminal status %q is not a key", kind, status)
		}
		for to := range targets {
			if to != StatusArchived {
				return nil, fmt.Errorf("kind %s: terminal status %s may only lead to %s, found %s", kind, status, StatusArchived, to)
			}
		}
	}
	for status := range kt.self {
		if _, ok := kt.next[status]; !ok {
			return nil, fmt.Errorf("kind %s: self transition on unknown status %q", kind, status)
		}
	}
	return kt, nil
}

func toSet(values []Status) statusSet {
	set := make(statusSet, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// IsValidTransition reports whether kind may move from one status to another.
// Unknown kinds or statuses yield false. from == to is only valid when the
// kind explicitly allows a self transition on that status.
func (t *Table) IsValidTransition(kind Kind, from, to Status) bool {
	kt, ok := t.kinds[kind]
	if !ok {
		return false
	}
	targets, ok := kt.next[from]
	if !ok {
		return false
	}
	if from == to {
		_, allowed := kt.self[from]
		return allowed
	}
	_, ok = targets[to]
	return ok
}

// LegalNextStates returns the sorted set of statuses reachable in one step.
func (t *Table) LegalNextStates(kind Kind, from Status) []Status {
	kt, ok := t.kinds[kind]
	if !ok {
		return []Status{}
	}
	targets := kt.next[from]
	out := make([]Status, 0, len(targets)+1)
	for to := range targets {
		out = append(out, to)
	}
	if _, ok := kt.self[from]; ok {
		out = append(out, from)
	}
	slices.Sort(out)
	return out
}

// Initial returns the status new entities of kind start in.
func (t *Table) Initial(kind Kind) (Status, bool) {
	kt, ok := t.kinds[kind]
	if !ok {
		return "", false
	}
	return kt.initial, true
}

// IsTerminal reports whether status is a terminal status of kind.
func (t *Table) IsTerminal(kind Kind, status Status) bool {
	kt, ok := t.kinds[kind]
	if !ok {
		return false
	}
	_, ok = kt.terminal[status]
	return ok
}

// IsKnownStatus reports whether status belongs to kind.
func (t *Table) IsKnownStatus(kind Kind, status Status) bool {
	kt, ok := t.kinds[kind]
	if !ok {
		return false
	}
	_, ok = kt.next[status]
	return ok
}

// HasKind reports whether the table defines kind.
func (t *Table) HasKind(kind Kind) bool {
	_, ok := t.kinds[kind]
	return ok
}

// Kinds returns every kind defined by the table, sorted.
func (t *Table) Kinds() []Kind {
	out := make([]Kind, 0, len(t.kinds))
	for k := range t.kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
