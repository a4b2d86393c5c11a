package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dDoc/rpc/common"
)

// newTestServer starts an httptest server running the transport's routes.
// The handler echoes the shard id and the request body.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := &httpServerTransport{}
	st.RegisterHandler(func(shardId uint64, req []byte) []byte {
		return []byte(fmt.Sprintf("%d:%s", shardId, req))
	})
	srv := httptest.NewServer(st.routes())
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, config common.ClientConfig) *httpClientTransport {
	t.Helper()
	ct := NewHttpClientTransport().(*httpClientTransport)
	if err := ct.Connect(config); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = ct.Close() })
	return ct
}

func TestSendRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ct := connect(t, common.ClientConfig{Endpoints: []string{srv.URL}, TimeoutSecond: 5, RetryCount: 1})

	for _, shard := range []uint64{1, 100, 18446744073709551615} {
		resp, err := ct.Send(context.Background(), shard, []byte("ping"))
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if want := fmt.Sprintf("%d:ping", shard); string(resp) != want {
			t.Errorf("got %q, want %q", resp, want)
		}
	}
}

func TestEndpointWithoutScheme(t *testing.T) {
	srv := newTestServer(t)
	ct := connect(t, common.ClientConfig{Endpoints: []string{strings.TrimPrefix(srv.URL, "http://")}, TimeoutSecond: 5})

	if _, err := ct.Send(context.Background(), 1, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestSendRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := newTestServer(t)

	ct := connect(t, common.ClientConfig{
		Endpoints:     []string{failing.URL, healthy.URL},
		TimeoutSecond: 5,
		RetryCount:    2,
	})

	// two attempts always cover both endpoints
	for i := 0; i < 4; i++ {
		if _, err := ct.Send(context.Background(), 1, []byte("x")); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if calls.Load() == 0 {
		t.Errorf("failing endpoint was never used")
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	ct := connect(t, common.ClientConfig{Endpoints: []string{srv.URL}, TimeoutSecond: 5, RetryCount: 3})
	if _, err := ct.Send(context.Background(), 1, nil); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSendCanceled(t *testing.T) {
	srv := newTestServer(t)
	ct := connect(t, common.ClientConfig{Endpoints: []string{srv.URL}, TimeoutSecond: 5, RetryCount: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ct.Send(ctx, 1, nil); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}

func TestNotConnected(t *testing.T) {
	ct := NewHttpClientTransport()
	if _, err := ct.Send(context.Background(), 1, nil); err == nil {
		t.Fatalf("expected error")
	}
	if err := ct.Connect(common.ClientConfig{}); err == nil {
		t.Fatalf("expected error without endpoints")
	}
}

func TestInvalidShard(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/abc", "application/octet-stream", nil)
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ct := connect(t, common.ClientConfig{Endpoints: []string{srv.URL}, TimeoutSecond: 5})
	if _, err := ct.Send(context.Background(), 42, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `ddoc_rpc_requests_total{shard="42"}`) {
		t.Errorf("request counter missing in metrics output:\n%s", body)
	}
}

func TestListenAndShutdown(t *testing.T) {
	st := NewHttpServerTransport()
	st.RegisterHandler(func(uint64, []byte) []byte { return nil })

	// Shutdown before Listen is a no-op
	if err := st.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// an invalid address makes Listen fail right away
	err := st.Listen(common.ServerConfig{Endpoint: "invalid-address:-1"})
	if err == nil {
		t.Fatalf("expected listen error")
	}
}
