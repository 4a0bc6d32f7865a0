package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/stream-queue-adapter/internal/adapter"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/provider"
	"github.com/ibs-source/stream-queue-adapter/internal/stream"
)

// sender is the send path of the adapter
type sender interface {
	Send(ctx context.Context, id stream.StreamID, events []stream.Event) error
}

var _ sender = (*adapter.Adapter)(nil)

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveMetrics runs srv until ctx is cancelled
func serveMetrics(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// logAdapterErrors drains the adapter error channel until Stop closes it
func logAdapterErrors(errs <-chan error, logger *log.Logger) {
	for err := range errs {
		var qe *adapter.QueueError
		if errors.As(err, &qe) {
			logger.WarnWithFields(logrus.Fields{"queue": qe.Queue.Name()}, "Queue error: %v", qe.Err)
			continue
		}
		logger.Warn("Adapter error: %v", err)
	}
}

// tailQueue logs every batch cached for the reader's queue
func tailQueue(ctx context.Context, r *provider.Reader, interval time.Duration, logger *log.Logger) {
	for {
		b, err := r.Wait(ctx, interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Reader on %s stopped: %v", r.Queue().Name(), err)
			return
		}
		logger.InfoWithFields(logrus.Fields{
			"queue":  r.Queue().Name(),
			"stream": b.Stream.String(),
			"token":  b.Token.String(),
			"events": b.Len(),
		}, "Batch received")
	}
}

// parseLine splits an input line into a stream key and a payload. Lines without a tab
// belong to the fallback stream.
func parseLine(namespace string, fallback uuid.UUID, line string) (stream.StreamID, []byte) {
	key, payload, ok := strings.Cut(line, "\t")
	if !ok {
		return stream.NewStreamID(namespace, fallback), []byte(line)
	}
	return stream.NewStreamID(namespace, uuid.NewSHA1(uuid.NameSpaceOID, []byte(key))), []byte(payload)
}

// produce sends each stdin line as a single-event batch
func produce(ctx context.Context, s sender, namespace string, in io.Reader, logger *log.Logger) error {
	fallback := uuid.New()
	scanner := bufio.NewScanner(in)
	sent := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		id, payload := parseLine(namespace, fallback, line)
		if err := s.Send(ctx, id, []stream.Event{{Payload: payload}}); err != nil {
			return fmt.Errorf("send to %s: %w", id, err)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	logger.Info("Producer finished after %d batches", sent)
	return nil
}

// handleGracefulShutdown stops the adapter and waits for the workers within the shutdown timeout
func handleGracefulShutdown(a *adapter.Adapter, wg *sync.WaitGroup, cfg *config.Config, logger *log.Logger) bool {
	done := make(chan struct{})
	go func() {
		if err := a.Stop(); err != nil {
			logger.Error("Error stopping adapter: %v", err)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Graceful shutdown completed")
		return true
	case <-time.After(cfg.Pipeline.ShutdownTimeout):
		logger.Error("Shutdown timeout exceeded")
		return false
	}
}
