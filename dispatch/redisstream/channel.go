package redisstream

import (
	"context"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/partbatch/partbatch/dispatch"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const bodyField = "body"

// Config encapsulates the settings for configuring a redis stream channel.
type Config struct {
	// The redis client to use.
	Client redis.UniversalClient

	// The consumer group shared by all consumers of a queue.
	Group string

	// The name of this consumer within the group. If not specified, a
	// random UUID will be used instead.
	Consumer string

	// The maximum time a single XREADGROUP call blocks waiting for
	// messages. Defaults to 1s.
	Block time.Duration

	// Pending entries that have not been acknowledged for longer than
	// ClaimMinIdle are claimed by this consumer and redelivered. While a
	// delivery is being processed its entry is claimed again every
	// ClaimMinIdle/2 so that it never appears idle to other consumers.
	// Defaults to 1m.
	ClaimMinIdle time.Duration

	// How often to look for stale pending entries. Defaults to 10s.
	ClaimInterval time.Duration

	// The number of attempts for transient redis errors before giving
	// up. Defaults to 5.
	MaxAttempts int

	// A clock instance for backing off between retries. If not
	// specified, the wall clock will be used instead.
	Clock clock.Clock

	// The logger to use. If not defined an output-discarding logger will
	// be used instead.
	Logger *logrus.Entry
}

// Validate the config options.
func (cfg *Config) Validate() error {
	var err error
	if cfg.Client == nil {
		err = multierror.Append(err, xerrors.Errorf("redis client not specified"))
	}
	if cfg.Group == "" {
		err = multierror.Append(err, xerrors.Errorf("consumer group not specified"))
	}
	if cfg.Consumer == "" {
		cfg.Consumer = uuid.New().String()
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// Channel implements dispatch.Channel on top of redis streams. Each queue
// maps to a stream that is consumed through a consumer group so that every
// message is handed to a single consumer. Messages stay in the consumer
// group's pending entries list until acknowledged; entries that a crashed
// consumer never acknowledged are reclaimed with XAUTOCLAIM.
type Channel struct {
	cfg Config

	mu        sync.Mutex
	groups    map[string]bool
	lastClaim map[string]time.Time

	leaseWg   sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// Static check to ensure that Channel implements dispatch.Channel.
var _ dispatch.Channel = (*Channel)(nil)

// NewChannel creates a new redis stream channel.
func NewChannel(cfg Config) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("redis stream config validation failed: %w", err)
	}
	return &Channel{
		cfg:       cfg,
		groups:    make(map[string]bool),
		lastClaim: make(map[string]time.Time),
		closing:   make(chan struct{}),
	}, nil
}

// Send implements dispatch.Channel.
func (c *Channel) Send(ctx context.Context, queue string, body []byte) error {
	err := dispatch.Retry(ctx, c.cfg.Clock, c.cfg.MaxAttempts, func() error {
		return c.cfg.Client.XAdd(ctx, &redis.XAddArgs{
			Stream: queue,
			Values: map[string]interface{}{bodyField: body},
		}).Err()
	})
	if err != nil {
		return xerrors.Errorf("redisstream: send to %q: %w", queue, err)
	}
	return nil
}

// Receive implements dispatch.Channel.
func (c *Channel) Receive(ctx context.Context, queue string) (dispatch.Delivery, error) {
	if err := c.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if c.claimDue(queue) {
			msgs, err := c.claim(ctx, queue)
			if err != nil {
				return nil, err
			} else if len(msgs) != 0 {
				c.cfg.Logger.WithFields(logrus.Fields{
					"queue": queue,
					"id":    msgs[0].ID,
				}).Info("reclaimed stale pending message")
				return c.newDelivery(queue, msgs[0]), nil
			}
		}

		var streams []redis.XStream
		err := dispatch.Retry(ctx, c.cfg.Clock, c.cfg.MaxAttempts, func() error {
			var rErr error
			streams, rErr = c.cfg.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				Streams:  []string{queue, ">"},
				Count:    1,
				Block:    c.cfg.Block,
			}).Result()
			if rErr == redis.Nil {
				return nil
			}
			return rErr
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, xerrors.Errorf("redisstream: receive from %q: %w", queue, err)
		}

		for _, stream := range streams {
			if len(stream.Messages) != 0 {
				return c.newDelivery(queue, stream.Messages[0]), nil
			}
		}
	}
}

// Close implements dispatch.Channel. Leases of unsettled deliveries are no
// longer extended so their entries become claimable by other consumers. The
// redis client is owned by the caller and is not closed.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.leaseWg.Wait()
	return nil
}

func (c *Channel) ensureGroup(ctx context.Context, queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groups[queue] {
		return nil
	}

	err := c.cfg.Client.XGroupCreateMkStream(ctx, queue, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return xerrors.Errorf("redisstream: create consumer group for %q: %w", queue, err)
	}
	c.groups[queue] = true
	return nil
}

func (c *Channel) claimDue(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Clock.Now()
	if now.Sub(c.lastClaim[queue]) < c.cfg.ClaimInterval {
		return false
	}
	c.lastClaim[queue] = now
	return true
}

func (c *Channel) claim(ctx context.Context, queue string) ([]redis.XMessage, error) {
	var msgs []redis.XMessage
	err := dispatch.Retry(ctx, c.cfg.Clock, c.cfg.MaxAttempts, func() error {
		var cErr error
		msgs, _, cErr = c.cfg.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queue,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		return cErr
	})
	if err != nil {
		return nil, xerrors.Errorf("redisstream: claim pending from %q: %w", queue, err)
	}
	return msgs, nil
}

func (c *Channel) newDelivery(queue string, msg redis.XMessage) *delivery {
	var body []byte
	switch v := msg.Values[bodyField].(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	}
	d := &delivery{c: c, queue: queue, id: msg.ID, body: body, settled: make(chan struct{})}
	c.leaseWg.Add(1)
	go c.extendLease(d)
	return d
}

// extendLease periodically resets the idle time of the pending entry for d
// until d is settled or the channel is closed.
func (c *Channel) extendLease(d *delivery) {
	defer c.leaseWg.Done()

	logger := c.cfg.Logger.WithFields(logrus.Fields{
		"queue": d.queue,
		"id":    d.id,
	})
	interval := c.cfg.ClaimMinIdle / 2
	timer := c.cfg.Clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-d.settled:
			return
		case <-c.closing:
			return
		case <-timer.Chan():
		}

		owned, err := c.renewLease(d)
		if err != nil {
			logger.WithField("err", err).Warn("unable to extend lease of pending message")
		} else if !owned {
			logger.Warn("pending message is no longer owned by this consumer")
			return
		}
		timer.Reset(interval)
	}
}

// renewLease claims the entry for d back to this consumer, which resets its
// idle time. It reports false if the entry was settled or claimed by
// another consumer in the meantime.
func (c *Channel) renewLease(d *delivery) (bool, error) {
	ctx := context.Background()
	pending, err := c.cfg.Client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   d.queue,
		Group:    c.cfg.Group,
		Start:    d.id,
		End:      d.id,
		Count:    1,
		Consumer: c.cfg.Consumer,
	}).Result()
	if err != nil {
		return false, xerrors.Errorf("redisstream: inspect pending %s: %w", d.id, err)
	} else if len(pending) == 0 {
		return false, nil
	}

	ids, err := c.cfg.Client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   d.queue,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Messages: []string{d.id},
	}).Result()
	if err != nil {
		return false, xerrors.Errorf("redisstream: extend lease of %s: %w", d.id, err)
	}
	return len(ids) != 0, nil
}

type delivery struct {
	c     *Channel
	queue string
	id    string
	body  []byte

	settled    chan struct{}
	settleOnce sync.Once
}

func (d *delivery) settle() { d.settleOnce.Do(func() { close(d.settled) }) }

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack() error {
	d.settle()
	err := d.c.cfg.Client.XAck(context.Background(), d.queue, d.c.cfg.Group, d.id).Err()
	if err != nil {
		return xerrors.Errorf("redisstream: ack %s: %w", d.id, err)
	}
	return nil
}

// Nack leaves the entry in the pending entries list. It will be redelivered
// once it has been idle for longer than the configured ClaimMinIdle.
func (d *delivery) Nack() error {
	d.settle()
	d.c.cfg.Logger.WithFields(logrus.Fields{
		"queue": d.queue,
		"id":    d.id,
	}).Debug("message left pending for redelivery")
	return nil
}
