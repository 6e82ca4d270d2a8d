// Package tokenexchange implements the RFC 8693 OAuth 2.0 token-exchange
// client the invoker uses to mint per-source, per-audience access tokens
// from the caller's bearer token (spec.md §4.2 L5, §4.7 step 4).
package tokenexchange

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toolsgateway/toolsgw/infrastructure/cache"
	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/infrastructure/logging"
	"github.com/toolsgateway/toolsgw/infrastructure/resilience"
)

const grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
const tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

// TTLBuffer is subtracted from the exchanged token's reported lifetime so a
// cached entry is never served within this margin of expiring (spec.md
// §4.2: "cache TTL = exp - now - ttl_buffer").
const TTLBuffer = 15 * time.Second

// SourceCredential is the subset of an UpstreamSource's auth configuration
// the exchanger needs to call a token endpoint on the source's behalf.
type SourceCredential struct {
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	// Audience, if empty, means pass-through mode: the caller's own bearer
	// token is forwarded to the source unexchanged (spec.md §4.2).
	Audience string
}

// Result is an exchanged (or passed-through) credential ready to attach to
// an outbound request.
type Result struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	PassThrough bool
}

// Exchanger performs RFC 8693 token exchange with response caching, request
// coalescing, and circuit-breaker protection under a single process-wide
// "token_exchange" breaker (spec.md §4.4).
type Exchanger struct {
	httpClient *http.Client
	cache      *cache.Cache
	breaker    *resilience.CircuitBreaker
	logger     *logging.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done   chan struct{}
	result Result
	err    error
}

// New constructs an Exchanger. breaker should be the registry's singleton
// token_exchange breaker (resilience.KindTokenExchange).
func New(httpClient *http.Client, breaker *resilience.CircuitBreaker, logger *logging.Logger) *Exchanger {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Exchanger{
		httpClient: httpClient,
		cache:      cache.NewCache(cache.CacheConfig{DefaultTTL: 5 * time.Minute}),
		breaker:    breaker,
		logger:     logger,
		inflight:   make(map[string]*call),
	}
}

// Exchange returns an access token scoped to cred.Audience, exchanging
// subjectToken for it. If cred.Audience is empty, subjectToken is returned
// unexchanged (pass-through mode).
func (e *Exchanger) Exchange(ctx context.Context, cred SourceCredential, subjectToken string, scopes []string) (Result, error) {
	if cred.Audience == "" {
		return Result{AccessToken: subjectToken, TokenType: "Bearer", PassThrough: true}, nil
	}

	key := cacheKey(subjectToken, cred.Audience, scopes)
	if v, ok := e.cache.Get(key); ok {
		return v.(Result), nil
	}

	return e.coalesced(ctx, key, cred, subjectToken, scopes)
}

// coalesced ensures N concurrent misses for the same key collapse into a
// single upstream exchange (spec.md §5's per-key locking requirement).
func (e *Exchanger) coalesced(ctx context.Context, key string, cred SourceCredential, subjectToken string, scopes []string) (Result, error) {
	e.mu.Lock()
	if c, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		<-c.done
		return c.result, c.err
	}
	c := &call{done: make(chan struct{})}
	e.inflight[key] = c
	e.mu.Unlock()

	c.result, c.err = e.doExchange(ctx, cred, subjectToken, scopes)

	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	close(c.done)

	if c.err == nil {
		ttl := time.Until(c.result.ExpiresAt) - TTLBuffer
		if ttl > 0 {
			e.cache.Set(key, c.result, ttl)
		}
	}
	return c.result, c.err
}

func (e *Exchanger) doExchange(ctx context.Context, cred SourceCredential, subjectToken string, scopes []string) (Result, error) {
	var result Result
	err := e.breaker.ExecuteClassified(ctx, func() error {
		r, execErr := e.call(ctx, cred, subjectToken, scopes)
		if execErr != nil {
			return execErr
		}
		result = r
		return nil
	}, countsAsBreakerFailure)
	if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
		return Result{}, gwerrors.CircuitOpen("token_exchange", int(resilience.DefaultConfig().RecoveryTimeout.Seconds()))
	}
	if err != nil {
		return Result{}, gwerrors.Upstream("token_exchange", err)
	}
	return result, nil
}

// statusError is returned by call for a non-200 token endpoint response, so
// doExchange can classify it against spec.md §4.3 without re-parsing the
// error string.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d", e.status)
}

// countsAsBreakerFailure implements spec.md §4.3's breaker-failure rule: a
// token endpoint's ordinary 4xx responses (malformed subject_token, bad
// client_id, and so on) are application errors, not breaker failures; only
// 5xx, 429, and network/transport errors (anything that isn't a classified
// HTTP status, including timeouts) count. invoker.Invoke differs on 429: it
// passes every upstream 4xx through without counting a failure.
func countsAsBreakerFailure(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	return true
}

type exchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
}

func (e *Exchanger) call(ctx context.Context, cred SourceCredential, subjectToken string, scopes []string) (Result, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("requested_token_type", tokenTypeAccessToken)
	form.Set("audience", cred.Audience)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.TokenEndpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("build token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cred.ClientID != "" {
		req.SetBasicAuth(cred.ClientID, cred.ClientSecret)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read token exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if e.logger != nil {
			e.logger.WithField("status", resp.StatusCode).Warn("token exchange rejected")
		}
		return Result{}, &statusError{status: resp.StatusCode}
	}

	var parsed exchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode token exchange response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Result{}, fmt.Errorf("token exchange response missing access_token")
	}

	tokenType := parsed.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 300
	}

	return Result{
		AccessToken: parsed.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// cacheKey derives a stable key from sha256(subjectToken), audience, and the
// sorted scope list, per spec.md §4.2. Hashing the subject token keeps raw
// bearer tokens out of the cache's key space.
func cacheKey(subjectToken, audience string, scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(subjectToken))
	return fmt.Sprintf("%s|%s|%s", hex.EncodeToString(h[:]), audience, strings.Join(sorted, ","))
}
