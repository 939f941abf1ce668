package awareness

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// update: version byte, varint entry count, then length-delimited entries
//
//	entry: 1 id, 2 clock, 3 state field (repeated), 4 removed
//	state field: 1 key, 2 value
const encodingVersion = byte(1)

type entryUpdate struct {
	id      string
	clock   uint64
	state   map[string]string
	removed bool
}

func encodeUpdate(entries []*entryUpdate) []byte {
	b := []byte{encodingVersion}
	b = protowire.AppendVarint(b, uint64(len(entries)))
	for _, entry := range entries {
		var e []byte
		e = protowire.AppendTag(e, 1, protowire.BytesType)
		e = protowire.AppendString(e, entry.id)
		e = protowire.AppendTag(e, 2, protowire.VarintType)
		e = protowire.AppendVarint(e, entry.clock)
		for _, key := range sortedKeys(entry.state) {
			var field []byte
			field = protowire.AppendTag(field, 1, protowire.BytesType)
			field = protowire.AppendString(field, key)
			field = protowire.AppendTag(field, 2, protowire.BytesType)
			field = protowire.AppendString(field, entry.state[key])

			e = protowire.AppendTag(e, 3, protowire.BytesType)
			e = protowire.AppendBytes(e, field)
		}
		if entry.removed {
			e = protowire.AppendTag(e, 4, protowire.VarintType)
			e = protowire.AppendVarint(e, protowire.EncodeBool(true))
		}
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func decodeUpdate(b []byte) ([]*entryUpdate, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty update")
	}
	if b[0] != encodingVersion {
		return nil, fmt.Errorf("unsupported update version %d", b[0])
	}
	b = b[1:]

	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	b = b[n:]

	entries := []*entryUpdate{}
	for i := uint64(0); i < count; i += 1 {
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("entry %d: %w", i, protowire.ParseError(n))
		}
		b = b[n:]
		entry, err := decodeEntry(v)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	if 0 < len(b) {
		return nil, fmt.Errorf("%d trailing bytes", len(b))
	}
	return entries, nil
}

func decodeEntry(b []byte) (*entryUpdate, error) {
	entry := &entryUpdate{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			entry.id, n = protowire.ConsumeString(b)
		case num == 2 && typ == protowire.VarintType:
			entry.clock, n = protowire.ConsumeVarint(b)
		case num == 3 && typ == protowire.BytesType:
			var field []byte
			field, n = protowire.ConsumeBytes(b)
			if 0 <= n {
				key, value, err := decodeStateField(field)
				if err != nil {
					return nil, err
				}
				if entry.state == nil {
					entry.state = map[string]string{}
				}
				entry.state[key] = value
			}
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			entry.removed = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if entry.id == "" {
		return nil, fmt.Errorf("missing id")
	}
	return entry, nil
}

func decodeStateField(b []byte) (key string, value string, err error) {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == 2 && typ == protowire.BytesType:
			value, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	return key, value, nil
}
