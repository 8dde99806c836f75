// Package lsn provides helpers for working with PostgreSQL log sequence
// numbers in their textual "H/H" form as exchanged on the sync wire.
package lsn

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// Zero is the canonical minimum position, meaning "no data yet".
const Zero = pglogrepl.LSN(0)

// ZeroString is the wire form of Zero.
const ZeroString = "0/0"

// Parse converts a textual LSN ("H/H", two hex segments) into its numeric
// form. The empty string is treated as Zero so that clients connecting
// without a position normalize to "no data yet".
func Parse(s string) (pglogrepl.LSN, error) {
	if s == "" || s == ZeroString {
		return Zero, nil
	}
	v, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return v, nil
}

// Valid reports whether s parses as an LSN.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Compare returns -1, 0, or 1 as a is before, at, or after b.
func Compare(a, b pglogrepl.LSN) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Max returns the greater of a and b.
func Max(a, b pglogrepl.LSN) pglogrepl.LSN {
	if a > b {
		return a
	}
	return b
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of sync lag in bytes.
func FormatLag(bytes uint64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
