package store

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Keyed maps are persisted as repeated {1: key, 2..: varint} records.

const maxKeyedValues = 4

func appendKeyedVarints(b []byte, key ByteArray, values ...uint64) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendBytes(entry, key.Bytes())
	for i, v := range values {
		entry = protowire.AppendTag(entry, protowire.Number(i+2), protowire.VarintType)
		entry = protowire.AppendVarint(entry, v)
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}

func walkKeyedVarints(b []byte, fn func(key ByteArray, values []uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("store: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("store: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("store: %w", protowire.ParseError(n))
		}
		b = b[n:]
		key, values, err := consumeKeyedVarints(entry)
		if err != nil {
			return err
		}
		if key != "" {
			fn(key, values)
		}
	}
	return nil
}

func consumeKeyedVarints(entry []byte) (ByteArray, []uint64, error) {
	var key ByteArray
	var values []uint64
	for len(entry) > 0 {
		num, typ, n := protowire.ConsumeTag(entry)
		if n < 0 {
			return "", nil, fmt.Errorf("store: %w", protowire.ParseError(n))
		}
		entry = entry[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(entry)
			if n < 0 {
				return "", nil, fmt.Errorf("store: %w", protowire.ParseError(n))
			}
			key = ByteArray(v)
			entry = entry[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(entry)
			if n < 0 {
				return "", nil, fmt.Errorf("store: %w", protowire.ParseError(n))
			}
			if idx := int(num) - 2; idx >= 0 && idx < maxKeyedValues {
				for len(values) <= idx {
					values = append(values, 0)
				}
				values[idx] = v
			}
			entry = entry[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, entry)
			if n < 0 {
				return "", nil, fmt.Errorf("store: %w", protowire.ParseError(n))
			}
			entry = entry[n:]
		}
	}
	return key, values, nil
}
