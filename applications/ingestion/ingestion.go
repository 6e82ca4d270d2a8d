// Package ingestion fetches an upstream source's OpenAPI document and
// normalizes it into the command payload RefreshInventory expects
// (spec.md §4.5, L4: the OpenAPI normalizer).
package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toolsgateway/toolsgw/domain/source"
	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/openapi"
)

// MaxSpecBytes bounds how much of an upstream OpenAPI document is read, so
// a misbehaving or malicious source can't exhaust memory.
const MaxSpecBytes = 10 << 20

// Fetcher retrieves and normalizes an OpenAPI spec for a source's
// refresh-inventory command.
type Fetcher struct {
	httpClient *http.Client
}

// New constructs a Fetcher. A nil client gets a default timeout.
func New(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{httpClient: httpClient}
}

// FetchAndNormalize downloads specURL and normalizes it into the tool list
// RefreshInventory needs. Only operation id, method, path, summary and tags
// are kept, since that is all the domain event carries; the parameters and
// request/response schemas openapi.Normalize also derives are dropped here,
// and no other caller re-runs openapi.Normalize to store them in the read
// model.
func (f *Fetcher) FetchAndNormalize(ctx context.Context, sourceID, specURL string) ([]source.NormalizedTool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build spec request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, gwerrors.Upstream(sourceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, gwerrors.Upstream(sourceID, fmt.Errorf("spec fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxSpecBytes))
	if err != nil {
		return nil, fmt.Errorf("read spec body: %w", err)
	}

	views, err := openapi.Normalize(body, sourceID)
	if err != nil {
		return nil, gwerrors.SpecInvalid(err.Error())
	}

	tools := make([]source.NormalizedTool, 0, len(views))
	for _, v := range views {
		tools = append(tools, source.NormalizedTool{
			OperationID:  v.OperationID,
			HTTPMethod:   v.HTTPMethod,
			PathTemplate: v.PathTemplate,
			Summary:      v.Summary,
			Tags:         v.Tags,
		})
	}
	return tools, nil
}
