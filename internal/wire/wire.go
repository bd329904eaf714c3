// Package wire implements the framed, self-describing key/value codec used
// to talk to the object-store agent. The payload format is a hand-rolled
// binary encoding rather than a generic serialization library: the frame
// must stay byte-compatible with a peer this module does not control, the
// same constraint that drives the teacher's own uapi marshal/unmarshal
// functions to hand-pack bytes instead of using reflection-based codecs.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Kind tags the type of a value carried in a KV map entry.
type Kind uint8

const (
	KindString Kind = 1
	KindUint64 Kind = 2
	KindBytes  Kind = 3
)

// Value is a single tagged KV entry.
type Value struct {
	Kind  Kind
	Str   string
	U64   uint64
	Bytes []byte
}

// StringValue builds a string-kind Value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// Uint64Value builds a uint64-kind Value.
func Uint64Value(u uint64) Value { return Value{Kind: KindUint64, U64: u} }

// BytesValue builds a byte-array-kind Value.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// KV is a self-describing key/value map, the payload of one wire frame.
type KV map[string]Value

// GetString returns the named string field.
func (kv KV) GetString(key string) (string, bool) {
	v, ok := kv[key]
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// GetUint64 returns the named uint64 field.
func (kv KV) GetUint64(key string) (uint64, bool) {
	v, ok := kv[key]
	if !ok || v.Kind != KindUint64 {
		return 0, false
	}
	return v.U64, true
}

// GetBytes returns the named byte-array field.
func (kv KV) GetBytes(key string) ([]byte, bool) {
	v, ok := kv[key]
	if !ok || v.Kind != KindBytes {
		return nil, false
	}
	return v.Bytes, true
}

// Type returns the kv-map's "Type" discriminator field, the request/response
// type string every frame carries.
func (kv KV) Type() string {
	s, _ := kv.GetString("Type")
	return s
}

// Codec encodes and decodes kv-map payloads. Depending on an interface
// rather than the package-level functions directly gives the reader, the
// device and the fake agent a seam for a fake codec in tests.
type Codec interface {
	Encode(kv KV) ([]byte, error)
	Decode(data []byte) (KV, error)
}

// DefaultCodec is the production Codec implementation.
type DefaultCodec struct{}

var _ Codec = DefaultCodec{}

func (DefaultCodec) Encode(kv KV) ([]byte, error) { return Marshal(kv) }
func (DefaultCodec) Decode(data []byte) (KV, error) { return Unmarshal(data) }

// Marshal packs a KV map into its wire payload representation (the bytes
// that follow the u64 size prefix in a frame). Layout:
//
//	u32 LE entry count
//	for each entry:
//	  u16 LE key length, key bytes
//	  u8 kind tag
//	  kind-specific value:
//	    string/bytes: u32 LE length, raw bytes
//	    uint64:       u64 LE
func Marshal(kv KV) ([]byte, error) {
	buf := make([]byte, 4, 64)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(kv)))

	for key, val := range kv {
		if len(key) > 0xFFFF {
			return nil, fmt.Errorf("wire: key %q too long", key)
		}
		keyLen := make([]byte, 2)
		binary.LittleEndian.PutUint16(keyLen, uint16(len(key)))
		buf = append(buf, keyLen...)
		buf = append(buf, key...)
		buf = append(buf, byte(val.Kind))

		switch val.Kind {
		case KindString:
			buf = appendLenPrefixed(buf, []byte(val.Str))
		case KindUint64:
			u := make([]byte, 8)
			binary.LittleEndian.PutUint64(u, val.U64)
			buf = append(buf, u...)
		case KindBytes:
			buf = appendLenPrefixed(buf, val.Bytes)
		default:
			return nil, fmt.Errorf("wire: unknown value kind %d for key %q", val.Kind, key)
		}
	}

	return buf, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	l := make([]byte, 4)
	binary.LittleEndian.PutUint32(l, uint32(len(data)))
	buf = append(buf, l...)
	buf = append(buf, data...)
	return buf
}

// Unmarshal decodes a wire payload (as produced by Marshal) back into a KV
// map.
func Unmarshal(data []byte) (KV, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("wire: payload too short for entry count")
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	pos := 4

	kv := make(KV, count)
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("wire: truncated key length at entry %d", i)
		}
		keyLen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2

		if pos+keyLen > len(data) {
			return nil, fmt.Errorf("wire: truncated key at entry %d", i)
		}
		key := string(data[pos : pos+keyLen])
		pos += keyLen

		if pos+1 > len(data) {
			return nil, fmt.Errorf("wire: truncated kind tag for key %q", key)
		}
		kind := Kind(data[pos])
		pos++

		switch kind {
		case KindString:
			s, newPos, err := readLenPrefixed(data, pos)
			if err != nil {
				return nil, fmt.Errorf("wire: key %q: %w", key, err)
			}
			kv[key] = StringValue(string(s))
			pos = newPos
		case KindUint64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("wire: truncated uint64 for key %q", key)
			}
			kv[key] = Uint64Value(binary.LittleEndian.Uint64(data[pos : pos+8]))
			pos += 8
		case KindBytes:
			b, newPos, err := readLenPrefixed(data, pos)
			if err != nil {
				return nil, fmt.Errorf("wire: key %q: %w", key, err)
			}
			bc := make([]byte, len(b))
			copy(bc, b)
			kv[key] = BytesValue(bc)
			pos = newPos
		default:
			return nil, fmt.Errorf("wire: unknown value kind %d for key %q", kind, key)
		}
	}

	return kv, nil
}

func readLenPrefixed(data []byte, pos int) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, 0, fmt.Errorf("truncated length prefix")
	}
	l := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+l > len(data) {
		return nil, 0, fmt.Errorf("truncated value")
	}
	return data[pos : pos+l], pos + l, nil
}

// FrameSizeLen is the byte length of the frame's length prefix.
const FrameSizeLen = 8

// EncodeSize packs a u64 little-endian frame size prefix.
func EncodeSize(size uint64) []byte {
	buf := make([]byte, FrameSizeLen)
	binary.LittleEndian.PutUint64(buf, size)
	return buf
}

// DecodeSize unpacks a u64 little-endian frame size prefix.
func DecodeSize(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}
