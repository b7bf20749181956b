package remote

import (
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/dispatch"
	"github.com/partbatch/partbatch/partition"
	"github.com/partbatch/partbatch/repository"
	"github.com/partbatch/partbatch/step"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

//go:generate mockgen -package mocks -destination mocks/mocks_repository.go github.com/partbatch/partbatch/repository Repository
//go:generate mockgen -package mocks -destination mocks/mocks_dispatch.go github.com/partbatch/partbatch/dispatch Channel,Delivery

// ManagerConfig encapsulates the configuration options for a manager
// coordinator.
type ManagerConfig struct {
	// The repository where step executions are persisted.
	Repository repository.Repository

	// The channel for dispatching partitions and receiving replies.
	Channel dispatch.Channel

	// The names of the request and reply queues. Unset names are
	// populated with their defaults.
	Queues dispatch.Queues

	// The partitioner that splits the step into partitions.
	Partitioner partition.Partitioner

	// The number of partitions to request from the partitioner.
	GridSize int

	// The maximum time to wait for worker replies after dispatching. Zero
	// waits indefinitely.
	PartitionTimeout time.Duration

	// How often to check the repository for a manager execution that was
	// finalized by another process. Defaults to 5s.
	PollInterval time.Duration

	// The max number of replies to process concurrently. Defaults to 4.
	ReplyWorkers int

	// A clock instance for generating timestamps and arming timeouts. If
	// not specified, the wall clock will be used instead.
	Clock clock.Clock

	// A registerer for the manager metrics. If not specified, metrics are
	// collected into a private registry.
	Registerer prometheus.Registerer

	// A logger instance to use. If not specified, a null logger will be
	// used instead.
	Logger *logrus.Entry
}

// Validate the config options.
func (cfg *ManagerConfig) Validate() error {
	var err error
	if cfg.Repository == nil {
		err = multierror.Append(err, xerrors.Errorf("job repository not specified"))
	}
	if cfg.Channel == nil {
		err = multierror.Append(err, xerrors.Errorf("dispatch channel not specified"))
	}
	if qErr := cfg.Queues.Validate(); qErr != nil {
		err = multierror.Append(err, qErr)
	}
	if cfg.Partitioner == nil {
		err = multierror.Append(err, xerrors.Errorf("partitioner not specified"))
	}
	if cfg.PartitionTimeout < 0 {
		err = multierror.Append(err, xerrors.Errorf("partition timeout must not be negative"))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReplyWorkers <= 0 {
		cfg.ReplyWorkers = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}

// StepFactory builds the definition of a partitioned step for the supplied
// partition. The partition context is passed explicitly so that readers and
// writers can be scoped to the partition's slice of data.
type StepFactory func(batch.PartitionContext) (step.Definition, error)

// StepRegistry maps step names to the factories that build them.
type StepRegistry map[string]StepFactory

// WorkerConfig encapsulates the configuration options for a worker
// coordinator.
type WorkerConfig struct {
	// The repository where worker-side step executions are persisted.
	Repository repository.Repository

	// The channel for receiving partitions and sending replies.
	Channel dispatch.Channel

	// The names of the request and reply queues. Unset names are
	// populated with their defaults.
	Queues dispatch.Queues

	// The partitioned steps that this worker can execute.
	Steps StepRegistry

	// The max number of partitions to execute concurrently. Defaults to 1.
	Concurrency int

	// A clock instance for generating timestamps. If not specified, the
	// wall clock will be used instead.
	Clock clock.Clock

	// A registerer for the worker metrics. If not specified, metrics are
	// collected into a private registry.
	Registerer prometheus.Registerer

	// A logger instance to use. If not specified, a null logger will be
	// used instead.
	Logger *logrus.Entry
}

// Validate the config options.
func (cfg *WorkerConfig) Validate() error {
	var err error
	if cfg.Repository == nil {
		err = multierror.Append(err, xerrors.Errorf("job repository not specified"))
	}
	if cfg.Channel == nil {
		err = multierror.Append(err, xerrors.Errorf("dispatch channel not specified"))
	}
	if qErr := cfg.Queues.Validate(); qErr != nil {
		err = multierror.Append(err, qErr)
	}
	if len(cfg.Steps) == 0 {
		err = multierror.Append(err, xerrors.Errorf("no steps registered"))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}
