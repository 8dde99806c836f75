// Package tables knows the domain tables participating in sync: their
// hierarchy levels and how to page them by primary key.
package tables

import (
	"sort"

	"github.com/jfoltran/tablesync/internal/config"
)

// Table is one domain table with its hierarchy level. Parents carry lower
// levels than their children.
type Table struct {
	Name  string
	Level int
}

// Registry holds the ordered set of domain tables.
type Registry struct {
	ordered []Table
	byName  map[string]Table
}

// NewRegistry builds a registry from config, ordered by ascending level with
// name as the tie-break so enumeration order is deterministic.
func NewRegistry(cfgs []config.TableConfig) *Registry {
	ordered := make([]Table, 0, len(cfgs))
	byName := make(map[string]Table, len(cfgs))
	for _, c := range cfgs {
		t := Table{Name: c.Name, Level: c.Level}
		ordered = append(ordered, t)
		byName[c.Name] = t
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Level != ordered[j].Level {
			return ordered[i].Level < ordered[j].Level
		}
		return ordered[i].Name < ordered[j].Name
	})
	return &Registry{ordered: ordered, byName: byName}
}

// List returns the tables in hierarchy order, parents first.
func (r *Registry) List() []Table {
	out := make([]Table, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Level returns the hierarchy level for a table. Unknown tables report
// ok=false; callers treat them as deepest so their deletes run first.
func (r *Registry) Level(name string) (int, bool) {
	t, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	return t.Level, true
}

// Known reports whether name is a registered domain table.
func (r *Registry) Known(name string) bool {
	_, ok := r.byName[name]
	return ok
}
