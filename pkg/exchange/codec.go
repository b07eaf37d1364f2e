package exchange

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var errEmptyPayload = errors.New("payload holds no record")

// Encode serializes rec as an Arrow IPC stream.
func Encode(alloc memory.Allocator, rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(alloc))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("encode record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads the first record of an Arrow IPC stream. The caller releases
// the returned record.
func Decode(alloc memory.Allocator, payload []byte) (arrow.Record, error) {
	r, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(alloc))
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	defer r.Release()

	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		return nil, errEmptyPayload
	}
	rec := r.Record()
	rec.Retain()
	return rec, nil
}
