package logoot

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

// Encoded forms start with a version byte followed by a varint count of length-delimited entries.
// Entries are protobuf wire messages:
//
//	op:    1 site, 2 seq, 3 kind, 4 value, 5 ident (repeated)
//	ident: 1 digit, 2 site, 3 clock
//	clock: 1 site, 2 seq
//
// An update with no ops is two bytes.
const encodingVersion = byte(1)

var ErrUnsupportedVersion = errors.New("unsupported encoding version")

func EncodeOps(ops []*Op) []byte {
	b := []byte{encodingVersion}
	b = protowire.AppendVarint(b, uint64(len(ops)))
	for _, op := range ops {
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	return b
}

func DecodeOps(b []byte) ([]*Op, error) {
	ops := []*Op{}
	err := decodeEntries(b, func(entry []byte) error {
		op, err := decodeOp(entry)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// a state vector maps each site to the highest sequence number below which every op has been seen
func EncodeStateVector(stateVector map[string]uint64) []byte {
	sites := make([]string, 0, len(stateVector))
	for site := range stateVector {
		sites = append(sites, site)
	}
	slices.Sort(sites)

	b := []byte{encodingVersion}
	b = protowire.AppendVarint(b, uint64(len(sites)))
	for _, site := range sites {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, site)
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, stateVector[site])
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func DecodeStateVector(b []byte) (map[string]uint64, error) {
	stateVector := map[string]uint64{}
	if len(b) == 0 {
		return stateVector, nil
	}
	err := decodeEntries(b, func(entry []byte) error {
		var site string
		var seq uint64
		err := decodeFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				site = v
				return n, nil
			case num == 2 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				seq = v
				return n, nil
			default:
				return protowire.ConsumeFieldValue(num, typ, b), nil
			}
		})
		if err != nil {
			return err
		}
		stateVector[site] = seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stateVector, nil
}

func encodeOp(op *Op) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, op.Id.Site)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, op.Id.Seq)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	if op.Value != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, op.Value)
	}
	for _, ident := range op.Position {
		var identBytes []byte
		identBytes = protowire.AppendTag(identBytes, 1, protowire.VarintType)
		identBytes = protowire.AppendVarint(identBytes, uint64(ident.Digit))
		identBytes = protowire.AppendTag(identBytes, 2, protowire.BytesType)
		identBytes = protowire.AppendString(identBytes, ident.Site)
		identBytes = protowire.AppendTag(identBytes, 3, protowire.VarintType)
		identBytes = protowire.AppendVarint(identBytes, ident.Clock)

		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, identBytes)
	}
	return b
}

func decodeOp(b []byte) (*Op, error) {
	op := &Op{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			op.Id.Site = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			op.Id.Seq = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			op.Kind = OpKind(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			op.Value = v
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ident, err := decodeIdent(v)
			if err != nil {
				return 0, err
			}
			op.Position = append(op.Position, ident)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}

	switch op.Kind {
	case OpKindInsert, OpKindDelete:
	default:
		return nil, fmt.Errorf("op %s: unknown kind %d", op.Id, op.Kind)
	}
	if op.Id.Seq == 0 {
		return nil, fmt.Errorf("op %s: missing seq", op.Id)
	}
	if len(op.Position) == 0 {
		return nil, fmt.Errorf("op %s: missing position", op.Id)
	}
	return op, nil
}

func decodeIdent(b []byte) (Ident, error) {
	var ident Ident
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if digitBase <= v {
				return 0, fmt.Errorf("ident digit out of range %d", v)
			}
			ident.Digit = uint32(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			ident.Site = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ident.Clock = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return ident, err
}

func decodeEntries(b []byte, entry func(b []byte) error) error {
	if len(b) == 0 {
		return fmt.Errorf("empty encoding")
	}
	if b[0] != encodingVersion {
		return fmt.Errorf("%w %d", ErrUnsupportedVersion, b[0])
	}
	b = b[1:]

	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return protowire.ParseError(n)
	}
	b = b[n:]

	for i := uint64(0); i < count; i += 1 {
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("entry %d: %w", i, protowire.ParseError(n))
		}
		b = b[n:]
		if err := entry(v); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if 0 < len(b) {
		return fmt.Errorf("%d trailing bytes", len(b))
	}
	return nil
}

// `field` returns the number of bytes consumed for the field value, or a negative protowire error code
func decodeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
