package middleware

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// GracefulShutdown coordinates a signal-driven shutdown: stop accepting new
// connections, run registered callbacks (stop the WAL replay loop, the
// health monitor, the retention sweeper), then shut down the HTTP server.
type GracefulShutdown struct {
	mu           sync.Mutex
	server       *http.Server
	timeout      time.Duration
	shutdownChan chan struct{}
	callbacks    []func()
}

// NewGracefulShutdown creates a shutdown manager bound to server, waiting up
// to timeout for in-flight requests to drain.
func NewGracefulShutdown(server *http.Server, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		server:       server,
		timeout:      timeout,
		shutdownChan: make(chan struct{}),
	}
}

// OnShutdown registers a callback run during Shutdown, in registration
// order.
func (g *GracefulShutdown) OnShutdown(callback func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, callback)
}

// ListenForSignals triggers Shutdown on SIGINT/SIGTERM/SIGQUIT.
func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, initiating graceful shutdown", sig)
		g.Shutdown()
	}()
}

// Shutdown runs all registered callbacks then stops the HTTP server.
func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, callback := range g.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in shutdown callback: %v", r)
				}
			}()
			callback()
		}()
	}

	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("error during server shutdown: %v", err)
		}
	}

	close(g.shutdownChan)
}

// Wait blocks until Shutdown has completed.
func (g *GracefulShutdown) Wait() {
	<-g.shutdownChan
}
