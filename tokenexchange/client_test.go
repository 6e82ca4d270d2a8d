package tokenexchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolsgateway/toolsgw/infrastructure/resilience"
)

func newBreaker() *resilience.CircuitBreaker {
	return resilience.New("token_exchange", resilience.KindTokenExchange, "", resilience.DefaultConfig(), nil)
}

func TestExchanger_PassThroughWhenAudienceEmpty(t *testing.T) {
	ex := New(nil, newBreaker(), nil)
	result, err := ex.Exchange(context.Background(), SourceCredential{}, "caller-token", nil)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if !result.PassThrough || result.AccessToken != "caller-token" {
		t.Fatalf("result = %+v, want pass-through of caller-token", result)
	}
}

func TestExchanger_ExchangesAndCaches(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "exchanged-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	ex := New(srv.Client(), newBreaker(), nil)
	cred := SourceCredential{TokenEndpoint: srv.URL, Audience: "billing-api"}

	r1, err := ex.Exchange(context.Background(), cred, "caller-token", nil)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if r1.AccessToken != "exchanged-token" {
		t.Fatalf("AccessToken = %q", r1.AccessToken)
	}

	r2, err := ex.Exchange(context.Background(), cred, "caller-token", nil)
	if err != nil {
		t.Fatalf("Exchange() (cached) error = %v", err)
	}
	if r2.AccessToken != r1.AccessToken {
		t.Fatalf("cached result mismatch: %+v vs %+v", r1, r2)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (second call should be cache hit)", got)
	}
}

func TestExchanger_CoalescesConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "exchanged-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	ex := New(srv.Client(), newBreaker(), nil)
	cred := SourceCredential{TokenEndpoint: srv.URL, Audience: "billing-api"}

	var wg sync.WaitGroup
	const n = 5
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = ex.Exchange(context.Background(), cred, "caller-token", nil)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (all concurrent misses should coalesce)", got)
	}
}

func TestExchanger_CircuitOpensOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := newBreaker()
	ex := New(srv.Client(), breaker, nil)
	cred := SourceCredential{TokenEndpoint: srv.URL, Audience: "billing-api"}

	cfg := resilience.DefaultConfig()
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = ex.Exchange(context.Background(), cred, "token-variant", []string{string(rune('a' + i))})
	}

	if breaker.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open after %d failures", breaker.State(), cfg.FailureThreshold)
	}
}

// TestExchanger_CircuitStaysClosedOnRepeated4xx mirrors spec.md §4.3: a
// malformed subject_token or bad client_id rejected with an ordinary 4xx
// (not 429) is an application error, not a breaker failure.
func TestExchanger_CircuitStaysClosedOnRepeated4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	breaker := newBreaker()
	ex := New(srv.Client(), breaker, nil)
	cred := SourceCredential{TokenEndpoint: srv.URL, Audience: "billing-api"}

	cfg := resilience.DefaultConfig()
	for i := 0; i < cfg.FailureThreshold*2; i++ {
		_, err := ex.Exchange(context.Background(), cred, "token-variant", []string{string(rune('a' + i))})
		if err == nil {
			t.Fatal("Exchange() error = nil, want a rejected-token error")
		}
	}

	if breaker.State() != resilience.StateClosed {
		t.Fatalf("breaker state = %v, want closed after repeated 4xx responses", breaker.State())
	}
}

// TestExchanger_CircuitOpensOnRepeated429 mirrors spec.md §4.3: 429 counts
// as a breaker failure even though it is a 4xx status.
func TestExchanger_CircuitOpensOnRepeated429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	breaker := newBreaker()
	ex := New(srv.Client(), breaker, nil)
	cred := SourceCredential{TokenEndpoint: srv.URL, Audience: "billing-api"}

	cfg := resilience.DefaultConfig()
	for i := 0; i < cfg.FailureThreshold; i++ {
		_, _ = ex.Exchange(context.Background(), cred, "token-variant", []string{string(rune('a' + i))})
	}

	if breaker.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open after %d 429 responses", breaker.State(), cfg.FailureThreshold)
	}
}
