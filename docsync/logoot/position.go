package logoot

import (
	"fmt"
	"strings"
)

// exclusive upper bound of `Ident.Digit`
const digitBase = uint64(1) << 32

// Ident is one level of a Logoot position identifier.
// `Site` and `Clock` make identifiers generated concurrently at the same digit distinct.
type Ident struct {
	Digit uint32
	Site  string
	Clock uint64
}

func (self Ident) Compare(b Ident) int {
	if self.Digit != b.Digit {
		if self.Digit < b.Digit {
			return -1
		}
		return 1
	}
	if c := strings.Compare(self.Site, b.Site); c != 0 {
		return c
	}
	if self.Clock != b.Clock {
		if self.Clock < b.Clock {
			return -1
		}
		return 1
	}
	return 0
}

// Position is a dense position identifier. Positions are ordered lexicographically by level,
// and a position that is a prefix of another orders first.
type Position []Ident

func (self Position) Compare(b Position) int {
	for i := 0; i < len(self) && i < len(b); i += 1 {
		if c := self[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(self) < len(b):
		return -1
	case len(b) < len(self):
		return 1
	default:
		return 0
	}
}

// comparable form of the position, for map keys
func (self Position) Key() string {
	parts := make([]string, len(self))
	for i, ident := range self {
		parts[i] = fmt.Sprintf("%d.%s.%d", ident.Digit, ident.Site, ident.Clock)
	}
	return strings.Join(parts, ",")
}

func (self Position) String() string {
	return fmt.Sprintf("[%s]", self.Key())
}

// allocates a position strictly between `p` and `q`.
// A nil `p` is the document start and a nil `q` is the document end.
// Requires p < q.
func between(p Position, q Position, site string, clock uint64) Position {
	position := Position{}
	// once the prefix orders before `q`, any extension of it does too
	qBounded := q != nil
	for i := 0; ; i += 1 {
		var pi Ident
		if i < len(p) {
			pi = p[i]
		}
		qDigit := digitBase
		var qi Ident
		if qBounded && i < len(q) {
			qi = q[i]
			qDigit = uint64(qi.Digit)
		}
		if uint64(pi.Digit)+1 < qDigit {
			return append(position, Ident{
				Digit: pi.Digit + 1,
				Site:  site,
				Clock: clock,
			})
		}
		position = append(position, pi)
		if qBounded && (len(q) <= i || pi.Compare(qi) < 0) {
			qBounded = false
		}
	}
}
