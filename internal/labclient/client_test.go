package labclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/concretelab/mixledger/internal/submission"
)

func newFastClient(url string, httpClient *http.Client) *Client {
	client := New(url, "token", httpClient)
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestAuditRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"table_unresolved","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/admin/audit" || r.URL.Query().Get("mode") != "kg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if !strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "lab_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get("X-Correlation-Id"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"mode":"kg","table":"Kg Master","prefix":"UNILAG-CLK","rows":3,"valid":2,"blank":0,"malformed":[],"duplicates":[{"recordId":"UNILAG-CLK-A00001","rows":[1,2]}],"regressions":[],"next":"UNILAG-CLK-A00002"}`))
	}))
	defer server.Close()

	report, err := newFastClient(server.URL, server.Client()).Audit(context.Background(), "kg")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if report.Table != "Kg Master" || len(report.Duplicates) != 1 || report.Next != "UNILAG-CLK-A00002" {
		t.Fatalf("unexpected report %#v", report)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestSubmitDoesNotRetryServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"append_failed","message":"denied"}`))
	}))
	defer server.Close()

	_, err := newFastClient(server.URL, server.Client()).Submit(context.Background(), submission.Payload{InputMode: "ratio"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway || httpErr.Code != "append_failed" {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestSubmitRetriesRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["inputMode"] != "ratio" || body["slump"] != float64(75) {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`{"ok":true,"status":"partial","recordId":"UNILAG-CLR-A00004","failedCollections":[{"collection":"scms","table":"SCMs","rows":1,"error":"quota"}]}`))
	}))
	defer server.Close()

	receipt, err := newFastClient(server.URL, server.Client()).Submit(context.Background(), submission.Payload{InputMode: "ratio", Slump: submission.Num(75)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !receipt.Partial || receipt.RecordID != "UNILAG-CLR-A00004" || len(receipt.FailedCollections) != 1 {
		t.Fatalf("unexpected receipt %#v", receipt)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected one retry after 429, got %d calls", got)
	}
}

func TestValidationErrorCarriesField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_payload","message":"is required","field":"notes"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "", server.Client()).Submit(context.Background(), submission.Payload{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Field != "notes" {
		t.Fatalf("expected field error, got %v", err)
	}
}

func TestRetryDelayHonorsRetryAfterAndCaps(t *testing.T) {
	client := New("", "", nil)
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %v", got)
	}
	if got := client.retryDelay(1, "120"); got != client.maxDelay {
		t.Fatalf("expected Retry-After capped at %v, got %v", client.maxDelay, got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff 400ms, got %v", got)
	}
	if got := client.retryDelay(10, ""); got != client.maxDelay {
		t.Fatalf("expected backoff capped at %v, got %v", client.maxDelay, got)
	}
}
