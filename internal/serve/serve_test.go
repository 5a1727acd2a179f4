package serve

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
)

func TestRunStopsEverythingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var workerStopped, closed atomic.Bool
	s := &Server{
		Name:     "test",
		HTTP:     NewHTTPServer("127.0.0.1:0", http.NotFoundHandler()),
		GRPC:     grpc.NewServer(),
		GRPCAddr: "127.0.0.1:0",
		Workers: []func(context.Context){
			func(ctx context.Context) {
				<-ctx.Done()
				workerStopped.Store(true)
			},
		},
		Closers: []func() error{
			func() error {
				if !workerStopped.Load() {
					t.Error("closers must run after workers stop")
				}
				closed.Store(true)
				return nil
			},
		},
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if !workerStopped.Load() || !closed.Load() {
		t.Fatalf("worker stopped=%v closed=%v", workerStopped.Load(), closed.Load())
	}
}

func TestRunFailsOnBadGRPCAddr(t *testing.T) {
	s := &Server{Name: "test", GRPC: grpc.NewServer(), GRPCAddr: "not-an-addr"}
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}
