// Package logenc handles storage encoding of run logs. Logs at or above
// CompressMinSize are deflated before insertion unless deflating would not
// shrink them; the uncompressed length is stored alongside so the reader
// knows which path to take.
package logenc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressMinSize is the raw log size at which compression kicks in.
const CompressMinSize = 1024

// Encode returns the payload to persist for a raw log. Logs below
// CompressMinSize, and logs whose compressed form would not be smaller
// than the original, are stored verbatim.
func Encode(raw []byte) []byte {
	if len(raw) < CompressMinSize {
		return raw
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return raw
	}
	if err := zw.Close(); err != nil {
		return raw
	}
	if buf.Len() >= len(raw) {
		return raw
	}
	return buf.Bytes()
}

// Decode recovers the raw log from a persisted payload. rawLen is the
// stored uncompressed size; payloads below CompressMinSize were stored
// verbatim.
func Decode(payload []byte, rawLen int) ([]byte, error) {
	if rawLen < CompressMinSize || len(payload) == rawLen {
		return payload, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("open compressed log: %w", err)
	}
	defer zr.Close()
	raw := make([]byte, 0, rawLen)
	out := bytes.NewBuffer(raw)
	if _, err := io.Copy(out, zr); err != nil {
		return nil, fmt.Errorf("uncompress log: %w", err)
	}
	return out.Bytes(), nil
}
