package docsync

import (
	"encoding/binary"
	"fmt"
	"math"
)

const bufferRefKey = "__buffer__"

// encodeBuffers replaces every non empty float64 column in `value` with a
// buffer reference and attaches the packed column to the message.
func encodeBuffers(value any, message *Message) any {
	switch v := value.(type) {
	case []float64:
		if len(v) == 0 {
			return v
		}
		id := fmt.Sprintf("%d", len(message.Buffers))
		message.AddBuffer(Buffer{
			Id:   id,
			Data: float64sToBytes(v),
		})
		return map[string]any{
			bufferRefKey: id,
			"dtype":      "float64",
			"order":      "little",
			"shape":      []any{len(v)},
		}
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = encodeBuffers(item, message)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = encodeBuffers(item, message)
		}
		return out
	default:
		return value
	}
}

// decodeBuffers replaces buffer references with []float64.
func decodeBuffers(value any, buffers map[string][]byte) (any, error) {
	switch v := value.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			d, err := decodeBuffers(item, buffers)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case map[string]any:
		if id, ok := v[bufferRefKey].(string); ok {
			data, ok := buffers[id]
			if !ok {
				return nil, protocolErrorf("missing buffer %s", id)
			}
			if dtype, ok := v["dtype"].(string); ok && dtype != "float64" {
				return nil, protocolErrorf("unsupported buffer dtype %s", dtype)
			}
			return bytesToFloat64s(data)
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			d, err := decodeBuffers(item, buffers)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	default:
		return value, nil
	}
}

func float64sToBytes(floats []float64) []byte {
	data := make([]byte, 8*len(floats))
	for i, f := range floats {
		binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(f))
	}
	return data
}

func bytesToFloat64s(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, protocolErrorf("float64 buffer of %d bytes", len(data))
	}
	floats := make([]float64, len(data)/8)
	for i := range floats {
		floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return floats, nil
}
