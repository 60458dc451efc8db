package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/gonnx/internal/server"
)

func TestRun_OversizedPayloadRejectedAs413(t *testing.T) {
	h := server.NewHandler(&stubModel{}, server.WithMaxPayloadBytes(64))

	big := strings.Repeat("1,", 200)
	body := `{"inputs":{"x":{"dtype":"float32","data":[` + big + `1]}}}`
	rec := postRun(t, h, body)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", rec.Code)
	}

	var errBody map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Error("want non-empty error field")
	}
}

func TestRun_RequestTimeoutCancelsInFlight(t *testing.T) {
	// Model that blocks until its context is cancelled.
	m := &stubModel{block: make(chan struct{})}
	h := server.NewHandler(m, server.WithRequestTimeout(20*time.Millisecond))

	rec := postRun(t, h, `{"inputs":{"x":{"dtype":"float32","shape":[2],"data":[1,2]}}}`)

	if rec.Code != http.StatusGatewayTimeout && rec.Code != http.StatusRequestTimeout {
		t.Fatalf("want 504 or 408 on timeout, got %d", rec.Code)
	}

	var errBody map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&errBody)
	if errBody["error"] == "" {
		t.Error("want non-empty error field")
	}
}

func TestRun_WorkerGateSerializesRequests(t *testing.T) {
	release := make(chan struct{})
	first := &stubModel{block: release, started: make(chan struct{})}
	h := server.NewHandler(first, server.WithWorkers(1), server.WithRequestTimeout(5*time.Second))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postRun(t, h, `{"inputs":{"x":{"dtype":"float32","shape":[2],"data":[1,2]}}}`)
	}()
	<-first.started

	// Second request cannot get a worker slot while the first is in flight;
	// with a cancelled context it must bail out with 503.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/run",
		bytes.NewBufferString(`{"inputs":{"x":{"dtype":"float32","shape":[2],"data":[3,4]}}}`))
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	h.ServeHTTP(rec, req.WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503 for queued request with cancelled context, got %d", rec.Code)
	}

	close(release)
	if got := <-done; got.Code != http.StatusOK {
		t.Fatalf("first request: want 200, got %d", got.Code)
	}
}

func TestRun_ConcurrentRequestsAllSucceed(t *testing.T) {
	h := server.NewHandler(&stubModel{}, server.WithWorkers(4))

	var wg sync.WaitGroup
	codes := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := postRun(t, h, `{"inputs":{"x":{"dtype":"float32","shape":[2],"data":[1,2]}}}`)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Errorf("want 200, got %d", code)
		}
	}
}
