package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestIndexerNotConfigured(t *testing.T) {
	ix := NewIndexer(IndexerOptions{}, noopLogger())
	if _, err := ix.FetchPrice(context.Background(), "1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("缺少 base url 时应返回错误: %v", err)
	}
}

func TestIndexerFetchPriceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moments/42/price" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Fatalf("api key header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"price":      "12.34",
			"currency":   "USD",
			"updated_at": "2024-06-01T12:00:00Z",
		})
	}))
	defer srv.Close()

	ix := NewIndexer(IndexerOptions{BaseURL: srv.URL + "/", APIKey: "k", Timeout: time.Second}, noopLogger())
	q, err := ix.FetchPrice(context.Background(), "42")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !q.Found || q.Price.Cmp(decimal.RequireFromString("12.34")) != 0 {
		t.Fatalf("期望价格 12.34, 实际 %+v", q)
	}
	if q.UpdatedAt.IsZero() || q.Currency != "USD" {
		t.Fatalf("unexpected quote %+v", q)
	}
}

func TestIndexerNotFoundIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	ix := NewIndexer(IndexerOptions{BaseURL: srv.URL}, noopLogger())
	q, err := ix.FetchPrice(context.Background(), "404")
	if err != nil {
		t.Fatalf("404 is legitimate absence, got %v", err)
	}
	if q.Found {
		t.Fatal("quote should be marked not found")
	}

	md, err := ix.FetchMetadata(context.Background(), "404")
	if err != nil || md.Found {
		t.Fatalf("metadata 404 should be empty, got %+v (%v)", md, err)
	}
}

func TestIndexerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "maintenance"})
	}))
	defer srv.Close()

	ix := NewIndexer(IndexerOptions{BaseURL: srv.URL}, noopLogger())
	_, err := ix.FetchPrice(context.Background(), "1")
	if err == nil {
		t.Fatal("HTTP 503 应返回错误")
	}
	if got := err.Error(); got != "indexer api error (503): maintenance" {
		t.Fatalf("unexpected error %q", got)
	}
}

func TestIndexerBadPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"price": "n/a"})
	}))
	defer srv.Close()

	ix := NewIndexer(IndexerOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := ix.FetchPrice(context.Background(), "1"); err == nil {
		t.Fatal("unparseable price should fail")
	}
}

func TestIndexerFetchMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"player": "LeBron James", "set": "Base Set", "series": "2", "serial": 12})
	}))
	defer srv.Close()

	ix := NewIndexer(IndexerOptions{BaseURL: srv.URL}, noopLogger())
	md, err := ix.FetchMetadata(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if !md.Found || md.Player != "LeBron James" || md.Serial != 12 {
		t.Fatalf("unexpected metadata %+v", md)
	}
}

func TestIndexerRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"price": "1"})
	}))
	defer srv.Close()

	ix := NewIndexer(IndexerOptions{BaseURL: srv.URL, RatePerSecond: 1, Burst: 1}, noopLogger())
	if _, err := ix.FetchPrice(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ix.FetchPrice(ctx, "1"); err == nil {
		t.Fatal("second request within the window should be throttled")
	}
	if hits.Load() != 1 {
		t.Fatalf("throttled request must not reach the server, got %d hits", hits.Load())
	}
}
