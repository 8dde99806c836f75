package protocol

import (
	"fmt"
	"time"
)

// Op is the DML operation carried by a change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether o is a recognized operation.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Change is one logical row change. Data holds the full row keyed by column
// name; schemas vary per table so values stay dynamically typed. Data["id"]
// is the primary key. UpdatedAt drives last-writer-wins comparison.
type Change struct {
	Table     string         `json:"table"`
	Op        Op             `json:"op"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
	LSN       string         `json:"lsn,omitempty"`
}

// ID returns the primary key of the changed row as a string, or "" when the
// change carries no id.
func (c Change) ID() string {
	v, ok := c.Data["id"]
	if !ok {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	default:
		return fmt.Sprintf("%v", id)
	}
}

// Key identifies the logical row a change targets.
type Key struct {
	Table string
	ID    string
}

// KeyOf returns the (table, id) key for a change.
func KeyOf(c Change) Key {
	return Key{Table: c.Table, ID: c.ID()}
}

// Dedupe collapses changes targeting the same (table, id) down to the single
// change with the greatest updated_at, preserving first-seen order of the
// surviving keys. Changes without an id pass through untouched.
func Dedupe(changes []Change) []Change {
	winners := make(map[Key]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if c.ID() == "" {
			out = append(out, c)
			continue
		}
		k := KeyOf(c)
		if i, ok := winners[k]; ok {
			if c.UpdatedAt.After(out[i].UpdatedAt) {
				out[i] = c
			}
			continue
		}
		winners[k] = len(out)
		out = append(out, c)
	}
	return out
}

// IDs returns the ids of all changes, in order, skipping changes without one.
func IDs(changes []Change) []string {
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		if id := c.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
