package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/sandboxws/isotope/query/pkg/execerr"
)

const (
	headerKind     = "isotope-kind"
	headerFrom     = "isotope-from"
	headerErrKind  = "isotope-err-kind"
	headerErrorMsg = "isotope-error"
)

// KafkaConfig configures a Kafka transport for one node.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	// Node is the id of the local node. It receives on Topic(Node).
	Node string
}

// Topic returns the inbox topic of node.
func (c KafkaConfig) Topic(node string) string {
	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = "isotope-exchange"
	}
	return prefix + "." + node
}

// fetcher is the consuming half of a kgo.Client.
type fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// Kafka is a Transport over Kafka. Every node consumes one inbox topic; the
// record key is the fragment id and headers carry the message kind, the
// sender and failure details. Records older than the transport are skipped.
type Kafka struct {
	cfg      KafkaConfig
	logger   *zap.Logger
	producer *kgo.Client
	consumer fetcher

	pollMu    sync.Mutex
	mu        sync.Mutex
	queues    map[string][]Message
	discarded map[string]struct{}
}

// NewKafka connects a Kafka transport.
func NewKafka(cfg KafkaConfig, logger *zap.Logger, opts ...kgo.Opt) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport: no brokers configured")
	}
	producer, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka transport: create producer: %w", err)
	}
	consumer, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(cfg.Topic(cfg.Node)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(time.Now().UnixMilli())),
	}, opts...)...)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("kafka transport: create consumer: %w", err)
	}
	k := newKafka(cfg, logger, consumer)
	k.producer = producer
	return k, nil
}

func newKafka(cfg KafkaConfig, logger *zap.Logger, consumer fetcher) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{
		cfg:       cfg,
		logger:    logger.With(zap.String("transport", "kafka"), zap.String("node", cfg.Node)),
		consumer:  consumer,
		queues:    make(map[string][]Message),
		discarded: make(map[string]struct{}),
	}
}

// Send produces msg to node's inbox and waits for the acknowledgement.
func (k *Kafka) Send(ctx context.Context, node, fragment string, msg Message) error {
	msg.From = k.cfg.Node
	rec := toRecord(k.cfg.Topic(node), fragment, msg)
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka transport: produce to %s: %w", node, err)
	}
	return nil
}

// Receive returns the next message for fragment, polling the inbox until one
// arrives. Messages for other fragments are queued for their receivers.
func (k *Kafka) Receive(ctx context.Context, fragment string) (Message, error) {
	for {
		if msg, ok := k.dequeue(fragment); ok {
			return msg, nil
		}
		if err := k.poll(ctx, fragment); err != nil {
			return Message{}, err
		}
	}
}

func (k *Kafka) dequeue(fragment string) (Message, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	q := k.queues[fragment]
	if len(q) == 0 {
		return Message{}, false
	}
	msg := q[0]
	if len(q) == 1 {
		delete(k.queues, fragment)
	} else {
		k.queues[fragment] = q[1:]
	}
	return msg, true
}

// poll fetches one batch unless another receiver queued a message for
// fragment while this one waited for pollMu.
func (k *Kafka) poll(ctx context.Context, fragment string) error {
	k.pollMu.Lock()
	defer k.pollMu.Unlock()
	if k.queued(fragment) {
		return nil
	}

	fetches := k.consumer.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	for _, fe := range fetches.Errors() {
		k.logger.Warn("kafka fetch error",
			zap.String("topic", fe.Topic), zap.Int32("partition", fe.Partition), zap.Error(fe.Err))
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	fetches.EachRecord(func(rec *kgo.Record) {
		msg, err := fromRecord(rec)
		if err != nil {
			k.logger.Error("kafka decode error", zap.Int64("offset", rec.Offset), zap.Error(err))
			return
		}
		if _, ok := k.discarded[msg.Fragment]; ok {
			return
		}
		k.queues[msg.Fragment] = append(k.queues[msg.Fragment], msg)
	})
	return nil
}

func (k *Kafka) queued(fragment string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.queues[fragment]) > 0
}

// Discard drops queued and future messages for fragment.
func (k *Kafka) Discard(fragment string) {
	k.mu.Lock()
	delete(k.queues, fragment)
	k.discarded[fragment] = struct{}{}
	k.mu.Unlock()
}

// Close shuts both clients down.
func (k *Kafka) Close() error {
	if k.producer != nil {
		k.producer.Close()
	}
	k.consumer.Close()
	return nil
}

func toRecord(topic, fragment string, msg Message) *kgo.Record {
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(fragment),
		Value: msg.Payload,
		Headers: []kgo.RecordHeader{
			{Key: headerKind, Value: []byte(msg.Kind.String())},
			{Key: headerFrom, Value: []byte(msg.From)},
		},
	}
	if msg.Kind == Failure {
		rec.Headers = append(rec.Headers,
			kgo.RecordHeader{Key: headerErrKind, Value: []byte(msg.ErrKind.String())},
			kgo.RecordHeader{Key: headerErrorMsg, Value: []byte(msg.Err)},
		)
	}
	return rec
}

func fromRecord(rec *kgo.Record) (Message, error) {
	msg := Message{Fragment: string(rec.Key), Payload: rec.Value}
	var kindSeen bool
	for _, h := range rec.Headers {
		switch h.Key {
		case headerKind:
			kind, err := ParseKind(string(h.Value))
			if err != nil {
				return Message{}, err
			}
			msg.Kind, kindSeen = kind, true
		case headerFrom:
			msg.From = string(h.Value)
		case headerErrKind:
			msg.ErrKind = execerr.ParseKind(string(h.Value))
		case headerErrorMsg:
			msg.Err = string(h.Value)
		}
	}
	if !kindSeen {
		return Message{}, fmt.Errorf("record at offset %d has no %s header", rec.Offset, headerKind)
	}
	if strings.TrimSpace(msg.Fragment) == "" {
		return Message{}, fmt.Errorf("record at offset %d has no fragment key", rec.Offset)
	}
	return msg, nil
}
