package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	kv := KV{
		FieldType:        StringValue(TypeReadBlock),
		FieldSize:        Uint64Value(4096),
		FieldBlock:       Uint64Value(16),
		FieldRequestID:   Uint64Value(0),
		"empty_bytes":    BytesValue(nil),
	}

	encoded, err := Marshal(kv)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	require.Equal(t, len(kv), len(decoded))

	gotType, ok := decoded.GetString(FieldType)
	require.True(t, ok)
	require.Equal(t, TypeReadBlock, gotType)

	gotSize, ok := decoded.GetUint64(FieldSize)
	require.True(t, ok)
	require.Equal(t, uint64(4096), gotSize)

	gotBlock, ok := decoded.GetUint64(FieldBlock)
	require.True(t, ok)
	require.Equal(t, uint64(16), gotBlock)
}

func TestRoundTripBytes(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 0xAB
	}

	kv := KV{
		FieldType:      StringValue(TypeReadDone),
		FieldRequestID: Uint64Value(0),
		FieldBlock:     Uint64Value(16),
		FieldData:      BytesValue(payload),
	}

	encoded, err := Marshal(kv)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	gotData, ok := decoded.GetBytes(FieldData)
	require.True(t, ok)
	require.Equal(t, payload, gotData)
}

func TestRoundTripUberblock(t *testing.T) {
	ub := make([]byte, 200)
	for i := range ub {
		ub[i] = byte(i)
	}

	kv := KV{
		FieldType:      StringValue(TypePoolOpenDone),
		FieldUberblock: BytesValue(ub),
		FieldNextBlock: Uint64Value(42),
	}

	encoded, err := Marshal(kv)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)

	gotUb, ok := decoded.GetBytes(FieldUberblock)
	require.True(t, ok)
	require.Len(t, gotUb, 200)
	require.Equal(t, ub, gotUb)

	gotNext, ok := decoded.GetUint64(FieldNextBlock)
	require.True(t, ok)
	require.Equal(t, uint64(42), gotNext)
}

func TestUnmarshalTruncated(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestUnmarshalEmpty(t *testing.T) {
	kv := KV{}
	encoded, err := Marshal(kv)
	require.NoError(t, err)

	decoded, err := Unmarshal(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 0)
}

func TestEncodeDecodeSize(t *testing.T) {
	buf := EncodeSize(123456789)
	require.Len(t, buf, FrameSizeLen)
	require.Equal(t, uint64(123456789), DecodeSize(buf))
}

func TestDefaultCodec(t *testing.T) {
	var c Codec = DefaultCodec{}
	kv := KV{FieldType: StringValue(TypeBeginTXG), FieldTXG: Uint64Value(7)}

	encoded, err := c.Encode(kv)
	require.NoError(t, err)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)

	txg, ok := decoded.GetUint64(FieldTXG)
	require.True(t, ok)
	require.Equal(t, uint64(7), txg)
}
