package query

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type part string

func (p part) Key() string { return string(p) }

func TestPartitionsHandedOutOnce(t *testing.T) {
	qctx := New(context.Background())
	qctx.SetPartitions([]Partition{part("a"), part("b"), part("c"), part("d")})

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, ok := qctx.GetPartition()
				if !ok {
					return
				}
				mu.Lock()
				seen[p.Key()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, seen)
	assert.Zero(t, qctx.RemainingPartitions())
}

func TestCancelKeepsCause(t *testing.T) {
	qctx := New(context.Background())
	require.False(t, qctx.IsCancelled())
	require.NoError(t, qctx.Err())

	boom := errors.New("boom")
	qctx.Cancel(boom)
	qctx.Cancel(errors.New("later"))

	assert.True(t, qctx.IsCancelled())
	assert.Same(t, boom, qctx.Err())
	<-qctx.Ctx().Done()
}

func TestParentCancellationIsObserved(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	qctx := New(parent)
	cancel()
	assert.True(t, qctx.IsCancelled())
}

func TestForkSharesIDAndCancellation(t *testing.T) {
	qctx := New(context.Background(), WithID("q1"))
	child := qctx.Fork("node-2")

	assert.Equal(t, "q1", child.ID())
	assert.Equal(t, "node-2", child.Node())

	child.SetPartitions([]Partition{part("x")})
	assert.Zero(t, qctx.RemainingPartitions())

	qctx.Cancel(nil)
	assert.True(t, child.IsCancelled())
}

func TestStatusAndProgress(t *testing.T) {
	qctx := New(context.Background())
	qctx.SetStatus("begin to read stage source plan")
	qctx.AddScanProgress(10, 100)
	qctx.AddScanProgress(5, 50)
	qctx.AddWriteProgress(15, 120)

	assert.Equal(t, "begin to read stage source plan", qctx.Status())
	assert.Equal(t, Progress{ScanRows: 15, ScanBytes: 150, WriteRows: 15, WriteBytes: 120}, qctx.Progress())
}

func TestForkProgressRollsUp(t *testing.T) {
	qctx := New(context.Background())
	a, b := qctx.Fork("node-0"), qctx.Fork("node-1")
	a.AddScanProgress(3, 30)
	b.AddScanProgress(4, 40)
	b.AddWriteProgress(7, 70)

	assert.Equal(t, Progress{ScanRows: 3, ScanBytes: 30}, a.Progress())
	assert.Equal(t, Progress{ScanRows: 7, ScanBytes: 70, WriteRows: 7, WriteBytes: 70}, qctx.Progress())

	b.Cancel(nil)
	assert.False(t, qctx.IsCancelled(), "cancelling a fork leaves the query running")
}
