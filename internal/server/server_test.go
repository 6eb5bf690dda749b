package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/offlinecache/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewRequiresHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := New(cfg.Server.Listen, newTestLogger(), nil); err == nil {
		t.Fatalf("expected error when handler is nil")
	}
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	listen := config.ListenConfig{Address: "127.0.0.1", Port: 9090}

	srv, err := New(listen, newTestLogger(), http.NewServeMux())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectedAddr := "127.0.0.1:9090"
	if srv.httpServer.Addr != expectedAddr {
		t.Fatalf("expected addr %s, got %s", expectedAddr, srv.httpServer.Addr)
	}
}

func TestRunServesUntilContextCancelled(t *testing.T) {
	listen := config.ListenConfig{Address: "127.0.0.1", Port: 0}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv, err := New(listen, newTestLogger(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer addrCancel()
	addr := srv.Addr(addrCtx)
	require.NotNil(t, addr, "listener never bound")

	resp, err := http.Get(fmt.Sprintf("http://%s/", addr.String()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not return after cancellation")
	}
}

func TestRunFailsWhenAddressInUse(t *testing.T) {
	first, err := New(config.ListenConfig{Address: "127.0.0.1", Port: 0}, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer addrCancel()
	addr := first.Addr(addrCtx)
	require.NotNil(t, addr)

	second, err := New(config.ListenConfig{Address: "127.0.0.1"}, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	second.httpServer.Addr = addr.String()
	require.ErrorContains(t, second.Run(context.Background()), "server: listen")

	cancel()
	<-done
}

func TestAddrHonoursContext(t *testing.T) {
	srv, err := New(config.ListenConfig{Address: "127.0.0.1"}, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Nil(t, srv.Addr(ctx))
}
