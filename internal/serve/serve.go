// Package serve runs a binary's HTTP and gRPC listeners plus background
// workers until the context is cancelled, then shuts them down in order.
package serve

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tessera.dev/internal/obs"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	Name     string
	HTTP     *http.Server
	GRPC     *grpc.Server
	GRPCAddr string
	// Workers run until shutdown begins.
	Workers []func(ctx context.Context)
	// Closers run last, after listeners and workers stopped.
	Closers []func() error
}

// NewHTTPServer applies the read/write timeouts every binary uses.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Run blocks until ctx is done or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	log := obs.Logger().With("service", s.Name)
	g, gctx := errgroup.WithContext(ctx)

	if s.HTTP != nil {
		g.Go(func() error {
			log.Info("http_listening", "addr", s.HTTP.Addr)
			if err := s.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if s.GRPC != nil {
		lis, err := net.Listen("tcp", s.GRPCAddr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info("grpc_listening", "addr", s.GRPCAddr)
			return s.GRPC.Serve(lis)
		})
	}

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(gctx))
	workers := make(chan struct{})
	go func() {
		defer close(workers)
		done := make(chan struct{}, len(s.Workers))
		for _, w := range s.Workers {
			go func() {
				defer func() { done <- struct{}{} }()
				w(workerCtx)
			}()
		}
		for range s.Workers {
			<-done
		}
	}()

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if s.HTTP != nil {
			errs = append(errs, s.HTTP.Shutdown(shutdownCtx))
		}
		if s.GRPC != nil {
			stopped := make(chan struct{})
			go func() {
				s.GRPC.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				s.GRPC.Stop()
			}
		}
		stopWorkers()
		<-workers
		for _, c := range s.Closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	if err != nil {
		log.Error("stopped_with_error", "error", err.Error())
		return err
	}
	log.Info("stopped")
	return nil
}
