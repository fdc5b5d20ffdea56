package gorc

import (
	"bytes"
	"encoding/json"

	"github.com/pierrec/lz4/v4"
)

// encodeProperties renders a property map as JSON. The Delta/Lz4/High
// compression variants operate on this representation, never on the raw
// Go values, so the wire format stays a single predictable byte shape.
func encodeProperties(props map[string]any) ([]byte, error) {
	return json.Marshal(props)
}

// compress applies the named variant to raw full-state bytes. Delta is
// handled separately by the scheduler (it needs the previous snapshot);
// compress only implements the byte-level codecs: none, lz4, high.
func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone, CompressionDelta:
		return data, nil
	case CompressionLz4:
		return lz4Compress(data, lz4.Level1)
	case CompressionHigh:
		return lz4Compress(data, lz4.Level9)
	default:
		return data, nil
	}
}

func lz4Compress(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress reverses compress, for tests and for any future replay tooling.
func decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone, CompressionDelta:
		return data, nil
	case CompressionLz4, CompressionHigh:
		r := lz4.NewReader(bytes.NewReader(data))
		var out bytes.Buffer
		if _, err := out.ReadFrom(r); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	default:
		return data, nil
	}
}

// xorDelta computes a byte-wise XOR between cur and prev, the Delta
// compression variant spec.md §4.5 names. Lengths may differ; the longer
// tail is copied verbatim (XOR against an implicit zero).
func xorDelta(prev, cur []byte) []byte {
	out := make([]byte, len(cur))
	for i := range cur {
		if i < len(prev) {
			out[i] = cur[i] ^ prev[i]
		} else {
			out[i] = cur[i]
		}
	}
	return out
}

// applyXorDelta reverses xorDelta given the same prev snapshot.
func applyXorDelta(prev, delta []byte) []byte {
	out := make([]byte, len(delta))
	for i := range delta {
		if i < len(prev) {
			out[i] = delta[i] ^ prev[i]
		} else {
			out[i] = delta[i]
		}
	}
	return out
}
