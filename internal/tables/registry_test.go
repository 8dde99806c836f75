package tables

import (
	"testing"

	"github.com/jfoltran/tablesync/internal/config"
)

func TestRegistry_ListOrderedByLevel(t *testing.T) {
	reg := NewRegistry([]config.TableConfig{
		{Name: "task", Level: 2},
		{Name: "user", Level: 0},
		{Name: "project", Level: 1},
	})

	got := reg.List()
	want := []string{"user", "project", "task"}
	if len(got) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("List()[%d] = %s, want %s", i, got[i].Name, name)
		}
	}
}

func TestRegistry_TieBreakByName(t *testing.T) {
	reg := NewRegistry([]config.TableConfig{
		{Name: "b", Level: 1},
		{Name: "a", Level: 1},
	})
	got := reg.List()
	if got[0].Name != "a" || got[1].Name != "b" {
		t.Errorf("List() = %v, want name order within a level", got)
	}
}

func TestRegistry_Level(t *testing.T) {
	reg := NewRegistry([]config.TableConfig{{Name: "user", Level: 0}})

	lvl, ok := reg.Level("user")
	if !ok || lvl != 0 {
		t.Errorf("Level(user) = %d, %v", lvl, ok)
	}
	if _, ok := reg.Level("ghost"); ok {
		t.Error("Level(ghost) ok = true, want false")
	}
	if reg.Known("ghost") {
		t.Error("Known(ghost) = true")
	}
}
