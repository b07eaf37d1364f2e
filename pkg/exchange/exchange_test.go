package exchange

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/pipeline"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
	"github.com/sandboxws/isotope/query/pkg/processors"
	"github.com/sandboxws/isotope/query/pkg/query"
	"github.com/sandboxws/isotope/query/pkg/scheduler"
)

func makeRecord(alloc memory.Allocator, keys []string, vals []int64) arrow.Record {
	return helpers.NewRecord([]string{"k", "v"}, []arrow.Array{
		helpers.Strings(alloc, keys),
		helpers.Int64s(alloc, vals),
	})
}

func TestCodecRoundTrip(t *testing.T) {
	alloc := helpers.NewTestAllocator(t)
	rec := makeRecord(alloc, []string{"a", "b"}, []int64{1, 2})
	defer rec.Release()

	payload, err := Encode(alloc, rec)
	require.NoError(t, err)

	got, err := Decode(alloc, payload)
	require.NoError(t, err)
	defer got.Release()

	assert.True(t, array.RecordEqual(rec, got))
}

func TestDecodeGarbage(t *testing.T) {
	alloc := helpers.NewTestAllocator(t)
	_, err := Decode(alloc, []byte("not an arrow stream"))
	assert.Error(t, err)
}

func TestHubPreservesOrderPerSender(t *testing.T) {
	hub := NewHub(4)
	a, b := hub.Endpoint("a"), hub.Endpoint("b")
	ctx := context.Background()

	go func() {
		for i := 0; i < 10; i++ {
			_ = a.Send(ctx, "b", "f1", Message{Kind: Data, Payload: []byte{byte(i)}})
		}
		_ = a.Send(ctx, "b", "f1", Message{Kind: EOS})
	}()

	for i := 0; i < 10; i++ {
		msg, err := b.Receive(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, "a", msg.From)
		assert.Equal(t, []byte{byte(i)}, msg.Payload)
	}
	msg, err := b.Receive(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, EOS, msg.Kind)
}

func TestHubBlocksWhenFull(t *testing.T) {
	hub := NewHub(1)
	a := hub.Endpoint("a")
	hub.Endpoint("b")

	require.NoError(t, a.Send(context.Background(), "b", "f", Message{Kind: Data}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Send(ctx, "b", "f", Message{Kind: Data})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubDiscardReleasesSenders(t *testing.T) {
	hub := NewHub(1)
	a, b := hub.Endpoint("a"), hub.Endpoint("b")
	require.NoError(t, a.Send(context.Background(), "b", "f", Message{Kind: Data}))

	done := make(chan error, 1)
	go func() { done <- a.Send(context.Background(), "b", "f", Message{Kind: Data}) }()
	b.Discard("f")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sender still blocked after discard")
	}
}

func TestHubUnknownNode(t *testing.T) {
	hub := NewHub(1)
	err := hub.Endpoint("a").Send(context.Background(), "nowhere", "f", Message{})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestKafkaRecordMapping(t *testing.T) {
	cfg := KafkaConfig{TopicPrefix: "ex", Node: "n1"}
	assert.Equal(t, "ex.n2", cfg.Topic("n2"))

	msg := Message{From: "n1", Kind: Failure, ErrKind: execerr.KindInput, Err: "bad row"}
	rec := toRecord(cfg.Topic("n2"), "frag-1", msg)
	assert.Equal(t, "ex.n2", rec.Topic)

	got, err := fromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "frag-1", got.Fragment)
	assert.Equal(t, msg.From, got.From)
	assert.Equal(t, msg.Kind, got.Kind)
	assert.Equal(t, msg.ErrKind, got.ErrKind)
	assert.Equal(t, msg.Err, got.Err)

	_, err = fromRecord(&kgo.Record{Key: []byte("frag-1")})
	assert.Error(t, err)
}

// node runs one side of an exchange on its own pipeline.
type node struct {
	q *query.Context
	p *pipeline.Pipeline
}

func newNode(t *testing.T, parent *query.Context, id string) *node {
	q := parent.Fork(id)
	return &node{q: q, p: pipeline.New(q)}
}

func (n *node) send(t *testing.T, hub *Hub, cfg SenderConfig, blocks []*block.Block) {
	require.NoError(t, n.p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(n.q, "Values"), out, blocks), nil
	}))
	require.NoError(t, n.p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return NewSender(processor.NewContext(n.q, "ExchangeSender"), in, hub.Endpoint(n.q.Node()), cfg)
	}))
}

func (n *node) receive(t *testing.T, hub *Hub, fragment string, senders []string) *processors.Collector {
	require.NoError(t, n.p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return NewReceiver(processor.NewContext(n.q, "ExchangeReceiver"), out, hub.Endpoint(n.q.Node()), fragment, senders)
	}))
	c := processors.NewCollector()
	t.Cleanup(c.Release)
	require.NoError(t, n.p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return processors.NewSink(processor.NewContext(n.q, "Collect"), in, c), nil
	}))
	return c
}

func runAll(nodes ...*node) []error {
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *node) {
			defer wg.Done()
			errs[i] = scheduler.Run(n.p)
		}(i, n)
	}
	wg.Wait()
	return errs
}

func TestMergeExchangeAcrossNodes(t *testing.T) {
	alloc := helpers.NewTestAllocator(t)
	root := query.New(context.Background(), query.WithAllocator(alloc))
	hub := NewHub(2)

	coord := newNode(t, root, "n0")
	hub.Endpoint("n0")
	senders := []string{"n1", "n2", "n3"}
	var workers []*node
	for i, id := range senders {
		w := newNode(t, root, id)
		blocks := []*block.Block{
			block.New(makeRecord(alloc, []string{id, id}, []int64{int64(i * 10), int64(i*10 + 1)})),
			block.New(makeRecord(alloc, []string{id}, []int64{int64(i*10 + 2)})),
		}
		w.send(t, hub, SenderConfig{Fragment: "frag", Targets: []string{"n0"}}, blocks)
		workers = append(workers, w)
	}
	c := coord.receive(t, hub, "frag", senders)

	for _, err := range runAll(append(workers, coord)...) {
		require.NoError(t, err)
	}

	got := helpers.Int64Values(c.Records(), "v")
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []int64{0, 1, 2, 10, 11, 12, 20, 21, 22}, got)
}

func TestShuffleExchangeRoutesByKey(t *testing.T) {
	alloc := helpers.NewTestAllocator(t)
	root := query.New(context.Background(), query.WithAllocator(alloc))
	hub := NewHub(4)
	targets := []string{"t0", "t1"}

	var receivers []*node
	var collectors []*processors.Collector
	for _, id := range targets {
		r := newNode(t, root, id)
		hub.Endpoint(id)
		collectors = append(collectors, r.receive(t, hub, "shuffle", []string{"s0", "s1"}))
		receivers = append(receivers, r)
	}
	var senders []*node
	for _, id := range []string{"s0", "s1"} {
		s := newNode(t, root, id)
		blocks := []*block.Block{block.New(makeRecord(alloc,
			[]string{"x", "y", "z", "x", "w"}, []int64{1, 2, 3, 4, 5}))}
		s.send(t, hub, SenderConfig{Fragment: "shuffle", Targets: targets, Keys: []string{"k"}}, blocks)
		senders = append(senders, s)
	}

	for _, err := range runAll(append(senders, receivers...)...) {
		require.NoError(t, err)
	}

	owner := map[string]int{}
	var total int64
	for i, c := range collectors {
		total += c.Rows()
		for _, rec := range c.Records() {
			keys := rec.Column(0).(*array.String)
			for j := 0; j < keys.Len(); j++ {
				if prev, ok := owner[keys.Value(j)]; ok {
					assert.Equal(t, prev, i)
				}
				owner[keys.Value(j)] = i
			}
		}
	}
	assert.EqualValues(t, 10, total)
}

func TestRemoteFailureKeepsKindAndMessage(t *testing.T) {
	hub := NewHub(2)
	hub.Endpoint("n0")
	w := hub.Endpoint("n1")
	require.NoError(t, w.Send(context.Background(), "n0", "frag",
		Message{Kind: Failure, ErrKind: execerr.KindInput, Err: "scan: input error: corrupt footer"}))

	alloc := helpers.NewTestAllocator(t)
	root := query.New(context.Background(), query.WithAllocator(alloc))
	coord := newNode(t, root, "n0")
	coord.receive(t, hub, "frag", []string{"n1"})

	err := scheduler.Run(coord.p)
	require.Error(t, err)
	assert.True(t, execerr.Is(err, execerr.KindInput))
	assert.Contains(t, err.Error(), "corrupt footer")
}

func TestSenderReportsUpstreamFailure(t *testing.T) {
	hub := NewHub(4)
	hub.Endpoint("n0")
	alloc := helpers.NewTestAllocator(t)
	q := query.New(context.Background(), query.WithAllocator(alloc), query.WithNode("n1"))
	p := pipeline.New(q)

	boom := execerr.Resource("scan", errors.New("object missing"))
	in, out := p.Connect()
	out.SetError(boom)
	sender, err := NewSender(processor.NewContext(q, "ExchangeSender"), in, hub.Endpoint("n1"),
		SenderConfig{Fragment: "frag", Targets: []string{"n0"}})
	require.NoError(t, err)

	event, err := sender.Poll()
	require.NoError(t, err)
	assert.Equal(t, processor.Suspend, event)
	require.NoError(t, sender.RunAsync(context.Background()))

	event, err = sender.Poll()
	assert.Equal(t, processor.Finished, event)
	assert.Same(t, boom, err)

	msg, err := hub.Endpoint("n0").Receive(context.Background(), "frag")
	require.NoError(t, err)
	assert.Equal(t, Failure, msg.Kind)
	assert.Equal(t, execerr.KindResource, msg.ErrKind)
	assert.Equal(t, "n1", msg.From)
	require.NoError(t, sender.Close())
}

func TestFailedFragmentNotifiesConsumer(t *testing.T) {
	hub := NewHub(4)
	coord := hub.Endpoint("n0")
	alloc := helpers.NewTestAllocator(t)
	q := query.New(context.Background(), query.WithAllocator(alloc), query.WithNode("n1"))
	p := pipeline.New(q)

	blocks := []*block.Block{block.New(makeRecord(alloc, []string{"a"}, []int64{1}))}
	require.NoError(t, p.AddSource(1, func(_ int, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewValues(processor.NewContext(q, "Values"), out, blocks), nil
	}))
	require.NoError(t, p.AddTransform(func(_ int, in *port.InputPort, out *port.OutputPort) (processor.Processor, error) {
		return processors.NewTransformer(processor.NewContext(q, "Decode"), in, out,
			processors.TransformFunc(func(*block.Block) ([]*block.Block, error) {
				return nil, execerr.Input("decode", errors.New("corrupt"))
			})), nil
	}))
	require.NoError(t, p.AddSink(func(_ int, in *port.InputPort) (processor.Processor, error) {
		return NewSender(processor.NewContext(q, "ExchangeSender"), in, hub.Endpoint("n1"),
			SenderConfig{Fragment: "frag", Targets: []string{"n0"}})
	}))

	err := scheduler.Run(p)
	require.Error(t, err)
	assert.True(t, execerr.Is(err, execerr.KindInput))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := coord.Receive(ctx, "frag")
	require.NoError(t, err)
	assert.Equal(t, Failure, msg.Kind)
	assert.Equal(t, execerr.KindInput, msg.ErrKind)
	assert.Equal(t, "n1", msg.From)
	assert.Contains(t, msg.Err, "corrupt")
}

func TestSenderAbortAfterEOSIsSilent(t *testing.T) {
	hub := NewHub(4)
	coord := hub.Endpoint("n0")
	alloc := helpers.NewTestAllocator(t)
	q := query.New(context.Background(), query.WithAllocator(alloc), query.WithNode("n1"))
	p := pipeline.New(q)

	in, out := p.Connect()
	out.SetFinished()
	sender, err := NewSender(processor.NewContext(q, "ExchangeSender"), in, hub.Endpoint("n1"),
		SenderConfig{Fragment: "frag", Targets: []string{"n0"}})
	require.NoError(t, err)

	event, err := sender.Poll()
	require.NoError(t, err)
	assert.Equal(t, processor.Suspend, event)
	require.NoError(t, sender.RunAsync(context.Background()))
	sender.Abort(context.Background(), execerr.Cancelled("query", context.Canceled))
	require.NoError(t, sender.Close())

	msg, err := coord.Receive(context.Background(), "frag")
	require.NoError(t, err)
	assert.Equal(t, EOS, msg.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = coord.Receive(ctx, "frag")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeFetcher hands out queued batches and blocks when there are none.
type fakeFetcher struct {
	batches chan kgo.Fetches
	calls   atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{batches: make(chan kgo.Fetches, 8)}
}

func (f *fakeFetcher) PollFetches(ctx context.Context) kgo.Fetches {
	f.calls.Add(1)
	select {
	case fs := <-f.batches:
		return fs
	case <-ctx.Done():
		return kgo.NewErrFetch(ctx.Err())
	}
}

func (f *fakeFetcher) Close() {}

func (f *fakeFetcher) push(msgs ...Message) {
	var recs []*kgo.Record
	for _, msg := range msgs {
		recs = append(recs, toRecord("isotope-exchange.n0", msg.Fragment, msg))
	}
	f.batches <- kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "isotope-exchange.n0",
		Partitions: []kgo.FetchPartition{{Records: recs}},
	}}}}
}

func TestKafkaPollSkipsWhenFragmentQueued(t *testing.T) {
	f := newFakeFetcher()
	k := newKafka(KafkaConfig{Node: "n0"}, nil, f)
	f.push(Message{Fragment: "a", From: "n1", Kind: Data}, Message{Fragment: "b", From: "n1", Kind: EOS})

	msg, err := k.Receive(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, Data, msg.Kind)

	// A receiver of b that found its queue empty just before a's poll
	// delivered its message must not start another fetch.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, k.poll(ctx, "b"))
	assert.EqualValues(t, 1, f.calls.Load())

	msg, err = k.Receive(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, EOS, msg.Kind)
}

func TestKafkaTwoReceiversShareOneBatch(t *testing.T) {
	f := newFakeFetcher()
	k := newKafka(KafkaConfig{Node: "n0"}, nil, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got := make(chan Message, 2)
	errs := make(chan error, 2)
	for _, fragment := range []string{"a", "b"} {
		go func(fragment string) {
			msg, err := k.Receive(ctx, fragment)
			if err != nil {
				errs <- err
				return
			}
			got <- msg
		}(fragment)
	}
	f.push(Message{Fragment: "a", From: "n1", Kind: EOS}, Message{Fragment: "b", From: "n2", Kind: EOS})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			seen[msg.Fragment] = true
		case err := <-errs:
			t.Fatalf("receive: %v", err)
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}

func TestKafkaDiscardDropsLaterMessages(t *testing.T) {
	f := newFakeFetcher()
	k := newKafka(KafkaConfig{Node: "n0"}, nil, f)
	k.Discard("old")
	f.push(Message{Fragment: "old", From: "n1", Kind: Data}, Message{Fragment: "a", From: "n1", Kind: EOS})

	msg, err := k.Receive(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, EOS, msg.Kind)
	assert.False(t, k.queued("old"))
}
