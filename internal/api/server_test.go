package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	gwtls "github.com/shineum/mail-gateway/internal/tls"
)

func startServer(t *testing.T, cfg ServerConfig) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	srv := NewServer(cfg, NewRouter(Deps{}))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, cancel, errCh
}

func waitStopped(t *testing.T, errCh chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestServer_GracefulShutdown(t *testing.T) {
	t.Parallel()

	srv, cancel, errCh := startServer(t, ServerConfig{ListenAddr: "127.0.0.1:0"})

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	waitStopped(t, errCh)
}

func TestServer_TLS(t *testing.T) {
	t.Parallel()

	tlsCfg, err := gwtls.ServerConfig("", "")
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	srv, cancel, errCh := startServer(t, ServerConfig{ListenAddr: "127.0.0.1:0", TLSConfig: tlsCfg})

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	waitStopped(t, errCh)
}

func TestServer_ListenError(t *testing.T) {
	t.Parallel()

	srv := NewServer(ServerConfig{ListenAddr: "256.0.0.1:bad"}, NewRouter(Deps{}))
	if err := srv.ListenAndServe(context.Background()); err == nil {
		t.Error("expected a listen error")
	}
	if srv.Addr() != "" {
		t.Errorf("Addr: got %q, want empty", srv.Addr())
	}
}
