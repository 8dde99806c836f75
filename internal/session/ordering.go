package session

import (
	"math"
	"sort"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/internal/tables"
	"github.com/jfoltran/tablesync/pkg/lsn"
)

// OrderChanges sorts a deduplicated batch for safe client application:
// inserts and updates run parents-first (ascending level), then deletes run
// children-first (descending level). The sort is stable, so the feed's LSN
// order survives within each (op class, level) band. Tables missing from the
// registry sort as deepest.
func OrderChanges(changes []protocol.Change, reg *tables.Registry) []protocol.Change {
	out := make([]protocol.Change, len(changes))
	copy(out, changes)

	level := func(c protocol.Change) int {
		l, ok := reg.Level(c.Table)
		if !ok {
			return math.MaxInt
		}
		return l
	}

	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].Op == protocol.OpDelete, out[j].Op == protocol.OpDelete
		if di != dj {
			return !di
		}
		li, lj := level(out[i]), level(out[j])
		if di {
			return li > lj
		}
		return li < lj
	})
	return out
}

// MaxLSN returns the greatest LSN carried by changes, Zero when no change
// carries a parseable one.
func MaxLSN(changes []protocol.Change) pglogrepl.LSN {
	best := lsn.Zero
	for _, c := range changes {
		if c.LSN == "" {
			continue
		}
		v, err := lsn.Parse(c.LSN)
		if err != nil {
			continue
		}
		best = lsn.Max(best, v)
	}
	return best
}
