package dispatch

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

// ErrChannelClosed is returned by channel operations after Close has been
// invoked.
var ErrChannelClosed = xerrors.New("dispatch channel closed")

// Delivery is a message received from a queue. Each delivery must be
// settled exactly once with either Ack or Nack.
type Delivery interface {
	// Body returns the raw message payload.
	Body() []byte

	// Ack marks the message as processed so it will not be redelivered.
	Ack() error

	// Nack hands the message back to the queue for redelivery.
	Nack() error
}

// Channel is implemented by message transports that provide at-least-once
// delivery between the manager and its workers. Messages that have been
// received but not acknowledged are eventually redelivered, so consumers
// must tolerate duplicates.
type Channel interface {
	// Send publishes body to the named queue.
	Send(ctx context.Context, queue string, body []byte) error

	// Receive blocks until a message is available on the named queue or
	// ctx expires.
	Receive(ctx context.Context, queue string) (Delivery, error)

	// Close releases the resources held by the channel.
	Close() error
}

// Queues names the pair of queues used for manager-to-worker requests and
// worker-to-manager replies.
type Queues struct {
	Requests string `yaml:"requests"`
	Replies  string `yaml:"replies"`
}

// Validate the queue names, applying defaults for unset values.
func (q *Queues) Validate() error {
	var err error
	if q.Requests == "" {
		q.Requests = "requests"
	}
	if q.Replies == "" {
		q.Replies = "replies"
	}
	if q.Requests == q.Replies {
		err = multierror.Append(err, xerrors.Errorf("request and reply queues must be distinct"))
	}
	return err
}
