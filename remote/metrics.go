package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type managerMetrics struct {
	dispatched      prometheus.Counter
	carriedOver     prometheus.Counter
	replies         *prometheus.CounterVec
	discarded       *prometheus.CounterVec
	timeouts        prometheus.Counter
	steps           *prometheus.CounterVec
	awaitingReplies prometheus.Gauge
}

func newManagerMetrics(reg prometheus.Registerer) *managerMetrics {
	factory := promauto.With(reg)
	return &managerMetrics{
		dispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "partbatch_manager_partitions_dispatched_total",
			Help: "The total number of partitions dispatched to workers",
		}),
		carriedOver: factory.NewCounter(prometheus.CounterOpts{
			Name: "partbatch_manager_partitions_carried_over_total",
			Help: "The total number of partitions completed by a previous execution and not dispatched again",
		}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partbatch_manager_replies_total",
			Help: "The total number of accepted worker replies by partition status",
		}, []string{"status"}),
		discarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partbatch_manager_replies_discarded_total",
			Help: "The total number of worker replies that were discarded",
		}, []string{"reason"}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "partbatch_manager_partition_timeouts_total",
			Help: "The total number of partitions failed because no reply arrived in time",
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partbatch_manager_steps_total",
			Help: "The total number of aggregated partitioned steps by status",
		}, []string{"status"}),
		awaitingReplies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partbatch_manager_steps_awaiting_replies",
			Help: "The number of partitioned steps waiting for worker replies",
		}),
	}
}

type workerMetrics struct {
	partitions *prometheus.CounterVec
	resent     prometheus.Counter
	poisoned   prometheus.Counter
	running    prometheus.Gauge
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	factory := promauto.With(reg)
	return &workerMetrics{
		partitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partbatch_worker_partitions_total",
			Help: "The total number of partitions executed by status",
		}, []string{"step", "status"}),
		resent: factory.NewCounter(prometheus.CounterOpts{
			Name: "partbatch_worker_replies_resent_total",
			Help: "The total number of replies re-sent for redelivered partitions that had already finished",
		}),
		poisoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "partbatch_worker_messages_dropped_total",
			Help: "The total number of undecodable dispatch messages that were dropped",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "partbatch_worker_partitions_running",
			Help: "The number of partitions currently executing",
		}),
	}
}
