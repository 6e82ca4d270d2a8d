// Package resolver implements the access resolver (spec.md §4.6, L9):
// joins an agent's token claims with active policies, groups, and the tool
// catalog into the concrete set of tools the agent may discover/invoke.
package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/readmodel"
)

// ClaimGetter is the minimal view of a verified token the resolver needs;
// identity.Claims satisfies it.
type ClaimGetter interface {
	Get(path string) (any, bool)
}

// Result is the resolved access set for one claim fingerprint.
type Result struct {
	ToolIDs   map[string]bool
	GroupIDs  []string
	PolicyIDs []string
}

// Stores bundles the read-model queries the resolver needs. Each is the
// narrow slice of readmodel.Store[T] actually used here.
type Stores struct {
	Policies readmodel.Store[readmodel.AccessPolicyView]
	Groups   readmodel.Store[readmodel.ToolGroupView]
	Tools    readmodel.Store[readmodel.SourceToolView]
	Sources  readmodel.Store[readmodel.SourceView]
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Resolver caches resolved access sets by claim fingerprint (spec.md §4.6
// step 1-2).
type Resolver struct {
	stores Stores
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New constructs a Resolver. ttl is the cache TTL (default 60s per
// spec.md §6's resolver_cache_ttl_seconds).
func New(stores Stores, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Resolver{stores: stores, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Resolve implements spec.md §4.6's algorithm end to end.
func (r *Resolver) Resolve(ctx context.Context, claims ClaimGetter) (Result, error) {
	policies, err := r.stores.Policies.All(ctx)
	if err != nil {
		return Result{}, gwerrors.Transient("resolve_access", 5)
	}

	active := make([]readmodel.AccessPolicyView, 0, len(policies))
	for _, p := range policies {
		if p.Status == "active" {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	fp := fingerprint(claims, active)

	r.mu.RLock()
	entry, ok := r.cache[fp]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.result, nil
	}

	result, err := r.resolveUncached(ctx, claims, active)
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	r.cache[fp] = cacheEntry{result: result, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return result, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, claims ClaimGetter, active []readmodel.AccessPolicyView) (Result, error) {
	var matchedGroupIDs []string
	var matchedPolicyIDs []string
	seenGroup := make(map[string]bool)

	for _, p := range active {
		if !matchesAllMatchers(claims, p.Matchers) {
			continue
		}
		matchedPolicyIDs = append(matchedPolicyIDs, p.ID)
		for _, gid := range p.GroupIDs {
			if !seenGroup[gid] {
				seenGroup[gid] = true
				matchedGroupIDs = append(matchedGroupIDs, gid)
			}
		}
	}

	allTools, err := r.stores.Tools.All(ctx)
	if err != nil {
		return Result{}, gwerrors.Transient("resolve_access", 5)
	}
	allSources, err := r.stores.Sources.All(ctx)
	if err != nil {
		return Result{}, gwerrors.Transient("resolve_access", 5)
	}
	activeSources := make(map[string]bool, len(allSources))
	for _, src := range allSources {
		if src.Status == "active" {
			activeSources[src.ID] = true
		}
	}

	toolIDs := make(map[string]bool)
	for _, gid := range matchedGroupIDs {
		group, ok, err := r.stores.Groups.Get(ctx, gid)
		if err != nil {
			return Result{}, gwerrors.Transient("resolve_access", 5)
		}
		if !ok || group.Status != "active" {
			continue // missing/inactive group is silently dropped (self-healing)
		}
		for _, toolID := range resolveGroupTools(group, allTools, activeSources) {
			toolIDs[toolID] = true
		}
	}

	return Result{ToolIDs: toolIDs, GroupIDs: matchedGroupIDs, PolicyIDs: matchedPolicyIDs}, nil
}

// resolveGroupTools implements spec.md §4.6 step 6:
// (tools_matching_all_selectors ∪ explicit_tool_ids) \ excluded_tool_ids,
// restricted to enabled tools whose source is active.
func resolveGroupTools(group readmodel.ToolGroupView, allTools []readmodel.SourceToolView, activeSources map[string]bool) []string {
	excluded := toSet(group.ExcludedToolIDs)

	var out []string
	seen := make(map[string]bool)
	add := func(toolID string) {
		if excluded[toolID] || seen[toolID] {
			return
		}
		seen[toolID] = true
		out = append(out, toolID)
	}

	if len(group.Selectors) > 0 {
		for _, tool := range allTools {
			if !tool.Enabled || !activeSources[tool.SourceID] {
				continue
			}
			if matchesAllSelectors(tool, group.Selectors) {
				add(tool.ToolID)
			}
		}
	}

	eligible := make(map[string]readmodel.SourceToolView, len(allTools))
	for _, tool := range allTools {
		eligible[tool.ToolID] = tool
	}
	for _, toolID := range group.ExplicitToolIDs {
		tool, ok := eligible[toolID]
		if !ok || !tool.Enabled || !activeSources[tool.SourceID] {
			continue
		}
		add(toolID)
	}

	return out
}

func toSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, v := range list {
		out[v] = true
	}
	return out
}

// matchesAllSelectors implements P5: a tool is a group member via selectors
// iff it matches every selector.
func matchesAllSelectors(tool readmodel.SourceToolView, selectors []readmodel.ToolSelector) bool {
	for _, sel := range selectors {
		if !matchesSelector(tool, sel) {
			return false
		}
	}
	return true
}

func matchesSelector(tool readmodel.SourceToolView, sel readmodel.ToolSelector) bool {
	var value string
	switch sel.Kind {
	case "name":
		value = tool.OperationID
	case "method":
		value = tool.HTTPMethod
	case "path":
		value = tool.PathTemplate
	case "source":
		value = tool.SourceID
	case "tag":
		for _, tag := range tool.Tags {
			if patternMatches(sel.Pattern, tag) {
				return true
			}
		}
		return false
	case "label":
		value = tool.Summary
	default:
		return false
	}
	return patternMatches(sel.Pattern, value)
}

// patternMatches implements spec.md §4.6 step 7: `*`/`?` glob (via
// gobwas/glob), `regex:<expr>` regex, case-insensitive.
func patternMatches(pattern, value string) bool {
	value = strings.ToLower(value)
	if strings.HasPrefix(pattern, "regex:") {
		expr := "(?i)" + strings.TrimPrefix(pattern, "regex:")
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	g, err := glob.Compile(strings.ToLower(pattern))
	if err != nil {
		return false
	}
	return g.Match(value)
}

func matchesAllMatchers(claims ClaimGetter, matchers []readmodel.ClaimMatcher) bool {
	for _, m := range matchers {
		if !matchesOne(claims, m) {
			return false
		}
	}
	return true
}

func matchesOne(claims ClaimGetter, m readmodel.ClaimMatcher) bool {
	v, ok := claims.Get(m.ClaimPath)

	switch m.Op {
	case "exists":
		want := true
		if b, isBool := m.Value.(bool); isBool {
			want = b
		}
		if !want {
			return !ok || v == nil
		}
		return ok && v != nil
	case "not_in":
		if !ok {
			return true
		}
		return !inList(m.Value, v)
	case "ne":
		if !ok {
			return true
		}
		return !scalarEqual(v, m.Value)
	}

	if !ok {
		return false
	}

	switch m.Op {
	case "eq":
		return scalarEqual(v, m.Value)
	case "in":
		return inList(m.Value, v)
	case "contains":
		return containsMatch(v, m.Value)
	case "prefix":
		s, ok1 := v.(string)
		p, ok2 := m.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, p)
	case "suffix":
		s, ok1 := v.(string)
		suf, ok2 := m.Value.(string)
		return ok1 && ok2 && strings.HasSuffix(s, suf)
	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func inList(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if scalarEqual(v, item) {
			return true
		}
	}
	return false
}

func containsMatch(v any, target any) bool {
	switch vv := v.(type) {
	case string:
		s, ok := target.(string)
		return ok && strings.Contains(vv, s)
	case []any:
		for _, e := range vv {
			if scalarEqual(e, target) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// fingerprint builds spec.md §4.6 step 1's stable claim fingerprint: sorted
// canonical JSON of the subset of claims referenced by any active policy's
// matchers, hashed SHA-256.
func fingerprint(claims ClaimGetter, active []readmodel.AccessPolicyView) string {
	paths := make(map[string]bool)
	for _, p := range active {
		for _, m := range p.Matchers {
			paths[m.ClaimPath] = true
		}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	subset := make(map[string]any, len(sorted))
	for _, p := range sorted {
		if v, ok := claims.Get(p); ok {
			subset[p] = v
		}
	}

	raw, _ := json.Marshal(subset) // map keys are serialized in sorted order by encoding/json
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

// Invalidate drops every cached entry, used when policy/group state changes
// (called by the projector after policy.*/toolgroup.* events).
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}
