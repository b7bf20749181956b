package memory

import (
	"context"
	"sync"

	"github.com/partbatch/partbatch/dispatch"
	"golang.org/x/xerrors"
)

// Broker is an in-process message broker. Clients obtain dispatch.Channel
// instances through Channel; messages that a client received but did not
// acknowledge before closing its channel are returned to their queue, which
// mimics the redelivery behavior of a durable broker when a consumer
// crashes.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	msgs [][]byte

	// notifyCh is closed and replaced whenever a message is enqueued.
	notifyCh chan struct{}
}

// NewBroker creates a new in-memory broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// Channel returns a new client channel connected to the broker.
func (b *Broker) Channel() *Channel {
	return &Channel{
		b:        b,
		closedCh: make(chan struct{}),
		inflight: make(map[*delivery]struct{}),
	}
}

// Len returns the number of messages waiting in the named queue.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queueLocked(name).msgs)
}

func (b *Broker) queueLocked(name string) *queue {
	q, exists := b.queues[name]
	if !exists {
		q = &queue{notifyCh: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) enqueue(name string, body []byte) {
	b.mu.Lock()
	q := b.queueLocked(name)
	q.msgs = append(q.msgs, body)
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
	b.mu.Unlock()
}

// dequeue pops the next message from the named queue. If the queue is empty
// it returns a channel that will be closed when a message is enqueued.
func (b *Broker) dequeue(name string) ([]byte, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(name)
	if len(q.msgs) == 0 {
		return nil, q.notifyCh
	}
	body := q.msgs[0]
	q.msgs = q.msgs[1:]
	return body, nil
}

// Channel is a client connection to a Broker.
type Channel struct {
	b *Broker

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	inflight map[*delivery]struct{}
}

// Static check to ensure that Channel implements dispatch.Channel.
var _ dispatch.Channel = (*Channel)(nil)

// Send implements dispatch.Channel.
func (c *Channel) Send(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return dispatch.ErrChannelClosed
	}

	c.b.enqueue(queue, append([]byte(nil), body...))
	return nil
}

// Receive implements dispatch.Channel.
func (c *Channel) Receive(ctx context.Context, queue string) (dispatch.Delivery, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, dispatch.ErrChannelClosed
		}

		body, notifyCh := c.b.dequeue(queue)
		if notifyCh == nil {
			d := &delivery{c: c, queue: queue, body: body}
			c.inflight[d] = struct{}{}
			c.mu.Unlock()
			return d, nil
		}
		c.mu.Unlock()

		select {
		case <-notifyCh:
		case <-c.closedCh:
			return nil, dispatch.ErrChannelClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements dispatch.Channel. Deliveries that have not been settled
// are returned to their queues.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	for d := range c.inflight {
		c.b.enqueue(d.queue, d.body)
		d.settled = true
	}
	c.inflight = nil
	return nil
}

type delivery struct {
	c       *Channel
	queue   string
	body    []byte
	settled bool
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack() error {
	return d.settle(false)
}

func (d *delivery) Nack() error {
	return d.settle(true)
}

func (d *delivery) settle(requeue bool) error {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if d.settled {
		return xerrors.Errorf("delivery already settled")
	}
	d.settled = true
	delete(d.c.inflight, d)

	if requeue {
		d.c.b.enqueue(d.queue, d.body)
	}
	return nil
}
