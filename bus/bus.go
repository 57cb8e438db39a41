// Package bus is an in-process topic pub/sub used to move radio events
// from the transport reader to handler goroutines.
package bus

import (
	"sync"
)

// MultiLevel matches the rest of a topic, including nothing.
const MultiLevel = "#"

// Topic is a sequence of path tokens.
type Topic []string

// T builds a topic from tokens.
func T(tokens ...string) Topic { return Topic(tokens) }

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic   Topic
	Payload any
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Message
}

func (s *Subscription) Channel() <-chan *Message { return s.ch }

// deliver never blocks: when the queue is full the oldest message is
// dropped and deliver reports true. Callers hold the bus lock, so nothing
// else fills the slot.
func (s *Subscription) deliver(msg *Message) (dropped bool) {
	select {
	case s.ch <- msg:
		return false
	default:
	}
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	s.ch <- msg
	return dropped
}

// -----------------------------------------------------------------------------
// Trie
// -----------------------------------------------------------------------------

type node struct {
	children map[string]*node
	subs     []*Subscription
}

func (n *node) child(tok string) *node {
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c, ok := n.children[tok]
	if !ok {
		c = &node{}
		n.children[tok] = c
	}
	return c
}

// collect appends every subscription whose pattern matches topic[i:].
func (n *node) collect(topic Topic, i int, out []*Subscription) []*Subscription {
	if c := n.children[MultiLevel]; c != nil {
		out = append(out, c.subs...)
	}
	if i == len(topic) {
		return append(out, n.subs...)
	}
	if c := n.children[topic[i]]; c != nil {
		out = c.collect(topic, i+1, out)
	}
	return out
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu   sync.Mutex
	root *node
	qLen int
}

// NewBus creates a bus whose subscriptions buffer queueLen messages.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

// NewMessage builds a message; the topic is copied.
func (b *Bus) NewMessage(topic Topic, payload any) *Message {
	return &Message{Topic: append(Topic(nil), topic...), Payload: payload}
}

func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range sub.topic {
		n = n.child(tok)
	}
	n.subs = append(n.subs, sub)
}

// Publish delivers msg to every matching subscription and returns how
// many of them had to drop their oldest queued message to make room.
func (b *Bus) Publish(msg *Message) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.root.collect(msg.Topic, 0, nil) {
		if sub.deliver(msg) {
			dropped++
		}
	}
	return dropped
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	stack := make([]*node, 0, len(sub.topic))
	for _, tok := range sub.topic {
		c, ok := n.children[tok]
		if !ok {
			return
		}
		stack = append(stack, n)
		n = c
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}

	// Prune empty nodes.
	for i := len(sub.topic) - 1; i >= 0; i-- {
		parent := stack[i]
		tok := sub.topic[i]
		c := parent.children[tok]
		if len(c.subs) != 0 || len(c.children) != 0 {
			break
		}
		delete(parent.children, tok)
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

// Connection groups the subscriptions of one participant.
type Connection struct {
	bus  *Bus
	mu   sync.Mutex
	subs []*Subscription
}

func (b *Bus) NewConnection() *Connection {
	return &Connection{bus: b}
}

func (c *Connection) NewMessage(topic Topic, payload any) *Message {
	return c.bus.NewMessage(topic, payload)
}

func (c *Connection) Publish(msg *Message) int { return c.bus.Publish(msg) }

// Subscribe registers a subscription for an exact topic or a pattern
// ending in MultiLevel.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: append(Topic(nil), topic...),
		ch:    make(chan *Message, c.bus.qLen),
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.bus.addSubscription(sub)
	return sub
}

// Unsubscribe removes sub and closes its channel. Messages already queued
// remain readable. Unsubscribing twice is a no-op.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	found := false
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}
	c.bus.unsubscribe(sub)
	close(sub.ch)
}
