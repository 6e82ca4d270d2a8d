// Package invoker executes tool calls against upstream sources: argument
// validation, path/query substitution, per-source circuit breaking, and
// result classification (spec.md §4.7).
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/infrastructure/logging"
	"github.com/toolsgateway/toolsgw/infrastructure/resilience"
	"github.com/toolsgateway/toolsgw/readmodel"
)

// Credential is the Authorization value (if any) to attach to the upstream
// request, produced by the token exchanger or pass-through forwarding.
type Credential struct {
	Scheme string // "Bearer" or "" for none
	Token  string
}

// Request is a bound tool invocation ready to execute.
type Request struct {
	Tool       readmodel.SourceToolView
	BaseURL    string
	Arguments  map[string]any
	Credential Credential
}

// Result is the proxied upstream response.
type Result struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Invoker executes bound requests against upstream sources, with one
// circuit breaker per source and a new HTTP client (using the configured
// timeout) for each call.
type Invoker struct {
	breakers *resilience.Registry
	logger   *logging.Logger
	timeout  time.Duration
}

// New constructs an Invoker sharing a breaker registry with the rest of the
// gateway (resilience.KindSource breakers, lazily created per source_id).
func New(breakers *resilience.Registry, logger *logging.Logger, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Invoker{breakers: breakers, logger: logger, timeout: timeout}
}

// Invoke executes req's bound HTTP call, classifying the outcome per
// spec.md §4.7 step 7: 2xx/4xx pass through without counting a breaker
// failure, 5xx/timeout/transport error counts a failure and returns
// ErrUpstream.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	breaker := inv.breakers.Get(resilience.KindSource, req.Tool.SourceID, req.Tool.SourceID)

	if err := breaker.Allow(); err != nil {
		return Result{}, gwerrors.CircuitOpen(req.Tool.SourceID, int(resilience.DefaultConfig().RecoveryTimeout.Seconds()))
	}

	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		breaker.RecordFailure()
		return Result{}, err
	}

	client := &http.Client{Timeout: inv.timeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		breaker.RecordFailure()
		if inv.logger != nil {
			inv.logger.WithField("source_id", req.Tool.SourceID).WithField("tool_id", req.Tool.ToolID).Warn("upstream call failed")
		}
		return Result{}, gwerrors.Upstream(req.Tool.SourceID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		breaker.RecordFailure()
		return Result{}, gwerrors.Upstream(req.Tool.SourceID, err)
	}

	switch {
	case resp.StatusCode >= 500:
		breaker.RecordFailure()
		return Result{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header},
			gwerrors.Upstream(req.Tool.SourceID, fmt.Errorf("upstream returned status %d", resp.StatusCode))
	default:
		breaker.RecordSuccess()
		return Result{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}, nil
	}
}

func buildHTTPRequest(ctx context.Context, req Request) (*http.Request, error) {
	path := req.Tool.PathTemplate
	remaining := make(map[string]any, len(req.Arguments))
	for k, v := range req.Arguments {
		remaining[k] = v
	}

	for _, p := range req.Tool.Parameters {
		if p.In != "path" {
			continue
		}
		v, ok := remaining[p.Name]
		if !ok {
			continue
		}
		path = strings.ReplaceAll(path, "{"+p.Name+"}", fmt.Sprintf("%v", v))
		delete(remaining, p.Name)
	}

	query := url.Values{}
	headers := http.Header{}
	var bodyArgs map[string]any

	for _, p := range req.Tool.Parameters {
		v, ok := remaining[p.Name]
		if !ok {
			continue
		}
		switch p.In {
		case "query":
			query.Set(p.Name, fmt.Sprintf("%v", v))
			delete(remaining, p.Name)
		case "header":
			headers.Set(p.Name, fmt.Sprintf("%v", v))
			delete(remaining, p.Name)
		}
	}

	if req.Tool.RequestBodySchema != nil {
		bodyArgs = remaining
	}

	fullURL := strings.TrimRight(req.BaseURL, "/") + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if bodyArgs != nil {
		raw, err := json.Marshal(bodyArgs)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Tool.HTTPMethod, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Credential.Scheme != "" {
		httpReq.Header.Set("Authorization", req.Credential.Scheme+" "+req.Credential.Token)
	}

	return httpReq, nil
}
