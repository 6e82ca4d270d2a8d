// Package pipeline orchestrates the tool invocation pipeline (spec.md
// §4.7): authorize, resolve source, validate arguments, obtain credential,
// circuit check, execute, classify.
package pipeline

import (
	"context"
	"net/url"

	"github.com/toolsgateway/toolsgw/applications/resolver"
	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/invoker"
	"github.com/toolsgateway/toolsgw/readmodel"
	"github.com/toolsgateway/toolsgw/tokenexchange"
)

// TokenExchangeConfig is the gateway's single configured token-exchange
// endpoint (spec.md §6: te_token_url/te_client_id/te_client_secret are
// process-wide, not per-source; only the requested audience varies by
// source).
type TokenExchangeConfig struct {
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
}

// Pipeline wires the resolver, token exchanger, and invoker behind a single
// Invoke entry point.
type Pipeline struct {
	resolver  *resolver.Resolver
	exchanger *tokenexchange.Exchanger
	invoker   *invoker.Invoker
	sources   readmodel.Store[readmodel.SourceView]
	tools     readmodel.Store[readmodel.SourceToolView]
	teConfig  TokenExchangeConfig
}

// New constructs a Pipeline.
func New(res *resolver.Resolver, exch *tokenexchange.Exchanger, inv *invoker.Invoker,
	sources readmodel.Store[readmodel.SourceView], tools readmodel.Store[readmodel.SourceToolView],
	teConfig TokenExchangeConfig) *Pipeline {
	return &Pipeline{resolver: res, exchanger: exch, invoker: inv, sources: sources, tools: tools, teConfig: teConfig}
}

// Resolve exposes the access resolver's result directly, for GET
// /agent/tools (spec.md §6), which reports an agent's resolved tool set
// without invoking anything.
func (p *Pipeline) Resolve(ctx context.Context, claims resolver.ClaimGetter) (resolver.Result, error) {
	return p.resolver.Resolve(ctx, claims)
}

// Invoke runs the full seven-step pipeline for one tool call.
func (p *Pipeline) Invoke(ctx context.Context, claims resolver.ClaimGetter, subjectToken, toolID string, arguments map[string]any) (invoker.Result, error) {
	// Step 1: authorize.
	access, err := p.resolver.Resolve(ctx, claims)
	if err != nil {
		return invoker.Result{}, err
	}
	if !access.ToolIDs[toolID] {
		return invoker.Result{}, gwerrors.Forbidden(toolID)
	}

	// Step 2: resolve source.
	tool, ok, err := p.tools.Get(ctx, toolID)
	if err != nil {
		return invoker.Result{}, gwerrors.Transient("invoke", 5)
	}
	if !ok {
		return invoker.Result{}, gwerrors.NotFound("tool", toolID)
	}
	src, ok, err := p.sources.Get(ctx, tool.SourceID)
	if err != nil {
		return invoker.Result{}, gwerrors.Transient("invoke", 5)
	}
	if !ok || src.Status != "active" {
		return invoker.Result{}, gwerrors.NotFound("source", tool.SourceID)
	}

	// Step 3: validate arguments.
	if err := invoker.ValidateArguments(tool, arguments); err != nil {
		return invoker.Result{}, err
	}

	// Step 4: obtain upstream credential.
	cred, err := p.obtainCredential(ctx, src, subjectToken)
	if err != nil {
		return invoker.Result{}, err
	}

	// Steps 5-7: circuit check, execute, classify (handled inside Invoker).
	return p.invoker.Invoke(ctx, invoker.Request{
		Tool:       tool,
		BaseURL:    originOf(src.SpecURL),
		Arguments:  arguments,
		Credential: cred,
	})
}

// originOf derives the upstream API root from a source's spec_url (e.g.
// "http://svc/openapi.json" -> "http://svc"). UpstreamSource carries no
// separate base_url field (spec.md §3); operations are executed against
// the spec's own origin.
func originOf(specURL string) string {
	u, err := url.Parse(specURL)
	if err != nil {
		return specURL
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func (p *Pipeline) obtainCredential(ctx context.Context, src readmodel.SourceView, subjectToken string) (invoker.Credential, error) {
	switch src.AuthMode {
	case "none":
		return invoker.Credential{}, nil
	case "bearer_passthrough":
		return invoker.Credential{Scheme: "Bearer", Token: subjectToken}, nil
	case "token_exchange":
		result, err := p.exchanger.Exchange(ctx, tokenexchange.SourceCredential{
			TokenEndpoint: p.teConfig.TokenEndpoint,
			ClientID:      p.teConfig.ClientID,
			ClientSecret:  p.teConfig.ClientSecret,
			Audience:      src.DefaultAudience,
		}, subjectToken, nil)
		if err != nil {
			return invoker.Credential{}, err
		}
		return invoker.Credential{Scheme: "Bearer", Token: result.AccessToken}, nil
	default:
		return invoker.Credential{}, nil
	}
}
