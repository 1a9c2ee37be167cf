package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/smallbiznis/bookline/internal/observability/tracing"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	"github.com/smallbiznis/bookline/pkg/breaker"
	"github.com/smallbiznis/bookline/pkg/telemetry/correlation"
)

// AdminTokenHeader authenticates calls to the owner's heads API.
const AdminTokenHeader = "X-Admin-Token"

// HTTP reads heads from the owning service over its heads API.
type HTTP struct {
	baseURL  string
	token    string
	client   *http.Client
	breakers *breaker.Group
}

func NewHTTP(baseURL, token string, client *http.Client, breakers *breaker.Group) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   tracing.WrapHTTPClient(client, "reconcile.heads"),
		breakers: breakers,
	}
}

type headsResponse struct {
	Heads []reconciledomain.Head `json:"heads"`
}

type lookupRequest struct {
	EntityType  string   `json:"entity_type"`
	EntityUUIDs []string `json:"entity_uuids"`
}

func (h *HTTP) Lookup(ctx context.Context, entityType referencedomain.EntityType, entityUUIDs []string) ([]reconciledomain.Head, error) {
	if len(entityUUIDs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(lookupRequest{EntityType: string(entityType), EntityUUIDs: entityUUIDs})
	if err != nil {
		return nil, err
	}
	return h.do(ctx, http.MethodPost, h.baseURL+"/api/sync/heads/lookup", body)
}

func (h *HTTP) Page(ctx context.Context, entityType referencedomain.EntityType, afterUUID string, limit int) ([]reconciledomain.Head, error) {
	query := url.Values{}
	query.Set("entity_type", string(entityType))
	if afterUUID != "" {
		query.Set("after", afterUUID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return h.do(ctx, http.MethodGet, h.baseURL+"/api/sync/heads?"+query.Encode(), nil)
}

func (h *HTTP) do(ctx context.Context, method, endpoint string, body []byte) ([]reconciledomain.Head, error) {
	var out headsResponse
	call := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if h.token != "" {
			req.Header.Set(AdminTokenHeader, h.token)
		}
		if cid := correlation.ExtractCorrelationID(ctx); cid != "" {
			req.Header.Set(correlation.Header, cid)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("heads api responded %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}

	var err error
	if h.breakers != nil {
		err = h.breakers.Execute("heads:"+h.baseURL, call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reconciledomain.ErrSourceUnavailable, err)
	}
	return out.Heads, nil
}
