package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/launcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Service is a long-running component of the partbatch binary.
type Service interface {
	// Name returns the service name.
	Name() string

	// Run executes the service and blocks until the context gets cancelled,
	// the service completes its work or an error occurs.
	Run(context.Context) error
}

// Group is a list of Service instances that execute in parallel.
type Group []Service

// Run executes all Service instances in the group using the provided context.
// As soon as any service returns, the remaining services are asked to stop
// by cancelling their context. Calls to Run block until all services have
// exited and return the accumulated service errors.
func (g Group) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	var wg sync.WaitGroup
	errCh := make(chan error, len(g))
	wg.Add(len(g))
	for _, s := range g {
		go func(s Service) {
			defer wg.Done()
			defer cancelFn()
			if err := s.Run(runCtx); err != nil {
				errCh <- xerrors.Errorf("%s: %w", s.Name(), err)
			}
		}(s)
	}

	<-runCtx.Done()
	wg.Wait()

	var err error
	close(errCh)
	for srvErr := range errCh {
		err = multierror.Append(err, srvErr)
	}
	return err
}

// serviceFunc adapts a named function to the Service interface.
type serviceFunc struct {
	name string
	run  func(context.Context) error
}

func (s serviceFunc) Name() string { return s.name }
func (s serviceFunc) Run(ctx context.Context) error { return s.run(ctx) }

// metricsServer exposes the contents of a prometheus gatherer over HTTP.
type metricsServer struct {
	listener net.Listener
	gatherer prometheus.Gatherer
	logger   *logrus.Entry
}

func newMetricsServer(port int, gatherer prometheus.Gatherer, logger *logrus.Entry) (*metricsServer, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, xerrors.Errorf("metrics server: %w", err)
	}
	return &metricsServer{listener: l, gatherer: gatherer, logger: logger}, nil
}

func (s *metricsServer) Name() string { return "metrics" }

func (s *metricsServer) Run(ctx context.Context) error {
	srv := &http.Server{Handler: s.router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.WithField("addr", s.listener.Addr().String()).Info("serving metrics")
	if err := srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *metricsServer) router() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	return router
}

// jobRunner launches a single job and returns once it reaches a terminal
// status.
type jobRunner struct {
	launcher *launcher.Launcher
	job      launcher.Job
	params   batch.Parameters
	logger   *logrus.Entry
}

func (r *jobRunner) Name() string { return "job-runner" }

func (r *jobRunner) Run(ctx context.Context) error {
	exec, err := r.launcher.Run(ctx, r.job, r.params)
	if err != nil {
		return err
	}

	logger := r.logger.WithFields(logrus.Fields{
		"job_execution_id": exec.ID,
		"status":           exec.Status,
	})
	switch exec.Status {
	case batch.StatusCompleted:
		logger.Info("job completed")
		return nil
	case batch.StatusStopped:
		logger.Warn("job stopped")
		return nil
	default:
		return xerrors.Errorf("job execution %d ended with status %s: %s", exec.ID, exec.Status, exec.ExitDescription)
	}
}
