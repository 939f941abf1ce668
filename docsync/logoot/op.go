package logoot

import (
	"fmt"
	"strings"
)

// OpId identifies an operation by the site that generated it and that site's sequence number.
// Sequence numbers start at 1.
type OpId struct {
	Site string
	Seq  uint64
}

func (self OpId) Compare(b OpId) int {
	if c := strings.Compare(self.Site, b.Site); c != 0 {
		return c
	}
	switch {
	case self.Seq < b.Seq:
		return -1
	case b.Seq < self.Seq:
		return 1
	default:
		return 0
	}
}

func (self OpId) String() string {
	return fmt.Sprintf("%s:%d", self.Site, self.Seq)
}

type OpKind int

const (
	OpKindInsert OpKind = 1
	OpKindDelete OpKind = 2
)

// Op is an atom insertion or deletion.
// For a deletion, `Position` is the position of the deleted atom and `Value` is empty.
type Op struct {
	Id       OpId
	Kind     OpKind
	Position Position
	Value    string
}

func (self *Op) String() string {
	switch self.Kind {
	case OpKindInsert:
		return fmt.Sprintf("i(%s,%s,%q)", self.Id, self.Position, self.Value)
	case OpKindDelete:
		return fmt.Sprintf("d(%s,%s)", self.Id, self.Position)
	default:
		return fmt.Sprintf("?(%s)", self.Id)
	}
}
