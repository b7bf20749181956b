package remote

import (
	"context"

	"github.com/partbatch/partbatch/dispatch"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// consume receives messages from queue and passes them to handle using a
// pool of at most workers goroutines. It returns once ctx expires and all
// in-flight handlers have returned, or when the channel fails.
func consume(ctx context.Context, ch dispatch.Channel, queue string, workers int, handle func(context.Context, dispatch.Delivery)) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var err error
	for ctx.Err() == nil {
		var d dispatch.Delivery
		if d, err = ch.Receive(gCtx, queue); err != nil {
			break
		}

		// Go blocks while all pool slots are busy.
		g.Go(func() error {
			handle(gCtx, d)
			return nil
		})
	}
	_ = g.Wait()

	if err == nil || ctx.Err() != nil {
		return nil
	}
	return xerrors.Errorf("receive from %q: %w", queue, err)
}

func settle(logger *logrus.Entry, fn func() error) {
	if err := fn(); err != nil {
		logger.WithField("err", err).Error("unable to settle message delivery")
	}
}
