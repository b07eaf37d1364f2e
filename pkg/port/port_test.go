package port

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
)

func newBlock(t *testing.T, vals ...int64) *block.Block {
	alloc := helpers.NewTestAllocator(t)
	return block.New(helpers.NewRecord([]string{"v"}, []arrow.Array{helpers.Int64s(alloc, vals)}))
}

func TestPushPullSingleSlot(t *testing.T) {
	in, out := NewArena().Connect()

	b1 := newBlock(t, 1, 2)
	b2 := newBlock(t, 3)
	defer b2.Release()

	require.True(t, out.Push(b1))
	assert.False(t, out.CanPush())
	assert.False(t, out.Push(b2), "slot holds one block at a time")
	assert.True(t, in.HasData())

	got, err := in.Pull()
	require.NoError(t, err)
	require.Same(t, b1, got)
	got.Release()

	got, err = in.Pull()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, out.CanPush())
}

func TestFinishWhileFullIsDeferred(t *testing.T) {
	in, out := NewArena().Connect()

	b := newBlock(t, 7)
	require.True(t, out.Push(b))
	out.SetFinished()

	assert.False(t, in.IsFinished(), "consumer must still see the pending block")
	assert.True(t, out.IsFinished())
	assert.False(t, out.Push(b))

	got, err := in.Pull()
	require.NoError(t, err)
	require.NotNil(t, got)
	got.Release()
	assert.True(t, in.IsFinished())
}

func TestSetErrorDropsPendingData(t *testing.T) {
	arena := NewArena()
	in, out := arena.Connect()

	require.True(t, out.Push(newBlock(t, 1)))
	boom := errors.New("boom")
	out.SetError(boom)

	assert.Equal(t, Errored, arena.State(in.ID()))
	got, err := in.Pull()
	assert.Nil(t, got)
	assert.Same(t, boom, err)

	out.SetError(errors.New("second"))
	assert.Same(t, boom, out.Err(), "first error sticks")
}

func TestConsumerClose(t *testing.T) {
	in, out := NewArena().Connect()

	require.True(t, out.Push(newBlock(t, 1)))
	in.Close()

	assert.True(t, out.IsFinished())
	assert.False(t, out.CanPush())
	b := newBlock(t, 2)
	assert.False(t, out.Push(b))
	b.Release()
}

func TestVersionBumpsOnChange(t *testing.T) {
	arena := NewArena()
	in, out := arena.Connect()

	v0 := arena.Version(in.ID())
	require.True(t, out.Push(newBlock(t, 1)))
	v1 := arena.Version(in.ID())
	assert.Greater(t, v1, v0)

	b := newBlock(t, 2)
	assert.False(t, out.Push(b))
	b.Release()
	assert.Equal(t, v1, arena.Version(in.ID()), "rejected push is not a change")

	got, _ := in.Pull()
	got.Release()
	assert.Greater(t, arena.Version(in.ID()), v1)
}

func TestAttachEndpoints(t *testing.T) {
	arena := NewArena()
	in, _ := arena.Connect()

	p, c := arena.Endpoints(in.ID())
	assert.Equal(t, NoSlot, p)
	assert.Equal(t, NoSlot, c)

	arena.Attach(in.ID(), 3, NoSlot)
	arena.Attach(in.ID(), NoSlot, 5)
	p, c = arena.Endpoints(in.ID())
	assert.Equal(t, 3, p)
	assert.Equal(t, 5, c)
}
