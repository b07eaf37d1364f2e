package exchange

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/query/pkg/block"
	"github.com/sandboxws/isotope/query/pkg/execerr"
	"github.com/sandboxws/isotope/query/pkg/metrics"
	"github.com/sandboxws/isotope/query/pkg/port"
	"github.com/sandboxws/isotope/query/pkg/processor"
)

// SenderConfig describes where a Sender routes its blocks.
type SenderConfig struct {
	// Fragment is the id of the sending fragment. Receivers listen on it.
	Fragment string
	// Targets are the nodes running the consuming fragment.
	Targets []string
	// Keys routes rows to one target by hash. Without keys blocks go to the
	// targets in turn.
	Keys []string
	// Broadcast sends every block to every target.
	Broadcast bool
}

type envelope struct {
	node string
	msg  Message
}

// Sender is the sink of a fragment that feeds an exchange. Encoding happens
// in the sync step and sending in the async step, so a slow transport only
// holds this processor back.
type Sender struct {
	processor.Base
	transport Transport
	cfg       SenderConfig

	next   int
	input  *block.Block
	outbox []envelope
	failed error
	eos    bool
	// done is set once EOS or a failure reached every target.
	done bool
}

// NewSender creates a Sender reading from in.
func NewSender(ctx *processor.Context, in *port.InputPort, transport Transport, cfg SenderConfig) (*Sender, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("exchange sender %s: no target nodes", cfg.Fragment)
	}
	return &Sender{
		Base:      processor.NewBase(ctx, []*port.InputPort{in}, nil),
		transport: transport,
		cfg:       cfg,
	}, nil
}

// Status reports the number of queued messages.
func (s *Sender) Status() string {
	return fmt.Sprintf("sending fragment %s, %d queued", s.cfg.Fragment, len(s.outbox))
}

func (s *Sender) Poll() (processor.Event, error) {
	if len(s.outbox) > 0 {
		return processor.Suspend, nil
	}
	if s.failed != nil {
		return processor.Finished, s.failed
	}
	if s.eos {
		return processor.Finished, nil
	}
	if s.input != nil {
		return processor.Ready, nil
	}

	in := s.In[0]
	b, err := in.Pull()
	if err != nil {
		// Tell every consumer before reporting the failure locally.
		s.failed = err
		s.queueAll(Message{Kind: Failure, ErrKind: execerr.KindOf(err), Err: err.Error()})
		return processor.Suspend, nil
	}
	if b != nil {
		s.input = b
		return processor.Ready, nil
	}
	if in.IsFinished() {
		s.eos = true
		s.queueAll(Message{Kind: EOS})
		return processor.Suspend, nil
	}
	return processor.NeedsInput, nil
}

func (s *Sender) queueAll(msg Message) {
	msg.Fragment = s.cfg.Fragment
	for _, node := range s.cfg.Targets {
		s.outbox = append(s.outbox, envelope{node: node, msg: msg})
	}
}

// RunSync encodes the staged block into one message per destination.
func (s *Sender) RunSync() error {
	b := s.input
	s.input = nil
	defer b.Release()

	rec := b.Record()
	switch {
	case s.cfg.Broadcast || len(s.cfg.Targets) == 1:
		payload, err := Encode(s.Ctx.Alloc, rec)
		if err != nil {
			return execerr.Internal(s.Ctx.ProcessorName, err)
		}
		if s.cfg.Broadcast {
			s.queueAll(Message{Kind: Data, Payload: payload})
		} else {
			s.queue(s.cfg.Targets[0], payload)
		}
	case len(s.cfg.Keys) == 0:
		payload, err := Encode(s.Ctx.Alloc, rec)
		if err != nil {
			return execerr.Internal(s.Ctx.ProcessorName, err)
		}
		s.queue(s.cfg.Targets[s.next%len(s.cfg.Targets)], payload)
		s.next++
	default:
		keys, err := helpers.ColumnIndices(rec.Schema(), s.cfg.Keys)
		if err != nil {
			return execerr.Schema(s.Ctx.ProcessorName, err)
		}
		parts, err := helpers.SplitByHash(s.Ctx.Ctx(), s.Ctx.Alloc, rec, keys, len(s.cfg.Targets))
		if err != nil {
			return execerr.Internal(s.Ctx.ProcessorName, err)
		}
		defer func() {
			for _, p := range parts {
				if p != nil {
					p.Release()
				}
			}
		}()
		for i, part := range parts {
			if part == nil {
				continue
			}
			payload, err := Encode(s.Ctx.Alloc, part)
			if err != nil {
				return execerr.Internal(s.Ctx.ProcessorName, err)
			}
			s.queue(s.cfg.Targets[i], payload)
		}
	}
	s.Ctx.Emitted(b)
	return nil
}

func (s *Sender) queue(node string, payload []byte) {
	s.outbox = append(s.outbox, envelope{
		node: node,
		msg:  Message{Fragment: s.cfg.Fragment, Kind: Data, Payload: payload},
	})
}

// RunAsync sends the queued messages in order.
func (s *Sender) RunAsync(ctx context.Context) error {
	for len(s.outbox) > 0 {
		env := s.outbox[0]
		if err := s.transport.Send(ctx, env.node, s.cfg.Fragment, env.msg); err != nil {
			if ctx.Err() != nil {
				return execerr.Cancelled(s.Ctx.ProcessorName, err)
			}
			return execerr.Resource(s.Ctx.ProcessorName, err)
		}
		metrics.ExchangeMessages.WithLabelValues("send", env.msg.Kind.String()).Inc()
		metrics.ExchangeBytes.WithLabelValues("send").Add(float64(len(env.msg.Payload)))
		s.outbox = s.outbox[1:]
	}
	if s.eos || s.failed != nil {
		s.done = true
	}
	if s.eos {
		s.Ctx.Logger.Debug("exchange stream complete",
			zap.String("fragment", s.cfg.Fragment), zap.Strings("targets", s.cfg.Targets))
	}
	return nil
}

// Abort tells every target that the fragment failed, unless the stream was
// already terminated. Queued data is dropped.
func (s *Sender) Abort(ctx context.Context, cause error) {
	if s.done {
		return
	}
	s.done = true
	s.outbox = nil
	msg := Message{Fragment: s.cfg.Fragment, Kind: Failure, ErrKind: execerr.KindOf(cause), Err: cause.Error()}
	for _, node := range s.cfg.Targets {
		if err := s.transport.Send(ctx, node, s.cfg.Fragment, msg); err != nil {
			s.Ctx.Logger.Warn("exchange failure not delivered",
				zap.String("fragment", s.cfg.Fragment), zap.String("target", node), zap.Error(err))
			continue
		}
		metrics.ExchangeMessages.WithLabelValues("send", Failure.String()).Inc()
	}
}

func (s *Sender) Close() error {
	s.input.Release()
	s.input = nil
	s.outbox = nil
	return nil
}
