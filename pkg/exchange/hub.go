package exchange

import (
	"context"
	"fmt"
	"sync"
)

// Hub connects the nodes of an in-process cluster. Every node gets an
// Endpoint; each (node, fragment) pair has a bounded mailbox, so a fast
// sender blocks once the receiver falls behind.
type Hub struct {
	capacity int

	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewHub creates a hub whose mailboxes buffer up to capacity messages.
func NewHub(capacity int) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub{capacity: capacity, endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns the transport of node, registering the node on first use.
func (h *Hub) Endpoint(node string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.endpoints[node]; ok {
		return e
	}
	e := &Endpoint{hub: h, node: node, boxes: make(map[string]*mailbox)}
	h.endpoints[node] = e
	return e
}

func (h *Hub) lookup(node string) (*Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.endpoints[node]
	return e, ok
}

type mailbox struct {
	ch        chan Message
	discarded chan struct{}
	once      sync.Once
}

func (m *mailbox) discard() {
	m.once.Do(func() { close(m.discarded) })
	for {
		select {
		case <-m.ch:
		default:
			return
		}
	}
}

// Endpoint is one node's view of a Hub.
type Endpoint struct {
	hub  *Hub
	node string

	mu    sync.Mutex
	boxes map[string]*mailbox
}

// Node returns the id of the node the endpoint belongs to.
func (e *Endpoint) Node() string { return e.node }

func (e *Endpoint) mailbox(fragment string) *mailbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.boxes[fragment]
	if !ok {
		box = &mailbox{
			ch:        make(chan Message, e.hub.capacity),
			discarded: make(chan struct{}),
		}
		e.boxes[fragment] = box
	}
	return box
}

// Send delivers msg to the fragment's mailbox on node. The message is
// stamped with this endpoint's node id.
func (e *Endpoint) Send(ctx context.Context, node, fragment string, msg Message) error {
	dst, ok := e.hub.lookup(node)
	if !ok {
		return fmt.Errorf("send to %s: %w", node, ErrUnknownNode)
	}
	msg.From = e.node
	box := dst.mailbox(fragment)
	select {
	case <-box.discarded:
		return nil
	default:
	}
	select {
	case box.ch <- msg:
		return nil
	case <-box.discarded:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Receive waits for the next message addressed to fragment on this node.
func (e *Endpoint) Receive(ctx context.Context, fragment string) (Message, error) {
	box := e.mailbox(fragment)
	select {
	case msg := <-box.ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, context.Cause(ctx)
	}
}

// Discard drops queued and future messages for fragment. Senders blocked on
// the mailbox return immediately.
func (e *Endpoint) Discard(fragment string) {
	e.mailbox(fragment).discard()
}
