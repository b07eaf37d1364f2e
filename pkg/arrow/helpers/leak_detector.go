package helpers

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewTestAllocator creates a CheckedAllocator that tracks allocations and
// asserts at test cleanup that every byte was released.
func NewTestAllocator(t testing.TB) *memory.CheckedAllocator {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { alloc.AssertSize(t, 0) })
	return alloc
}

// AssertNoLeaks verifies that all Arrow memory has been properly released.
func AssertNoLeaks(t testing.TB, alloc *memory.CheckedAllocator) {
	t.Helper()
	if alloc.CurrentAlloc() > 0 {
		t.Fatalf("Arrow memory leak detected: %d bytes still allocated", alloc.CurrentAlloc())
	}
}

// LeakDetector wraps an allocator and counts net allocations/frees. It is safe
// for use by processors running on different scheduler workers.
type LeakDetector struct {
	inner       memory.Allocator
	allocated   atomic.Int64
	freed       atomic.Int64
	currentUsed atomic.Int64
}

// NewLeakDetector creates a new leak detector wrapping the given allocator.
func NewLeakDetector(inner memory.Allocator) *LeakDetector {
	return &LeakDetector{inner: inner}
}

// Allocate allocates memory and tracks it.
func (ld *LeakDetector) Allocate(size int) []byte {
	ld.allocated.Add(int64(size))
	ld.currentUsed.Add(int64(size))
	return ld.inner.Allocate(size)
}

// Reallocate reallocates memory and tracks the size change.
func (ld *LeakDetector) Reallocate(size int, b []byte) []byte {
	ld.currentUsed.Add(int64(size) - int64(len(b)))
	return ld.inner.Reallocate(size, b)
}

// Free frees memory and tracks it.
func (ld *LeakDetector) Free(b []byte) {
	ld.freed.Add(int64(len(b)))
	ld.currentUsed.Add(-int64(len(b)))
	ld.inner.Free(b)
}

// CurrentUsed returns the number of bytes currently allocated and not freed.
func (ld *LeakDetector) CurrentUsed() int64 {
	return ld.currentUsed.Load()
}

// AssertNoLeaks returns an error if there is leaked memory.
func (ld *LeakDetector) AssertNoLeaks() error {
	if used := ld.currentUsed.Load(); used != 0 {
		return fmt.Errorf("memory leak: %d bytes allocated, %d bytes freed, %d bytes still in use",
			ld.allocated.Load(), ld.freed.Load(), used)
	}
	return nil
}
