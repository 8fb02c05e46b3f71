package arcgis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SpatialFilter holds extra query parameters restricting a query by
// geometry (geometry, geometryType, spatialRel, inSR...).
type SpatialFilter map[string]string

func (f SpatialFilter) apply(q url.Values) {
	for k, v := range f {
		q.Set(k, v)
	}
}

// Query parameterizes count, id and feature queries.
type Query struct {
	Where   string
	Token   string
	OutSR   int
	Spatial SpatialFilter
}

func (q Query) where() string {
	if strings.TrimSpace(q.Where) == "" {
		return "1=1"
	}
	return q.Where
}

// Client speaks the feature service REST protocol over a service.Sender.
type Client struct {
	sender service.Sender
}

func NewClient(s service.Sender) *Client {
	return &Client{sender: s}
}

// NoCacheHeader asks intermediaries not to serve stale reads. ArcGIS
// ignores these on its own, hence the nocache query parameter as well.
func NoCacheHeader() http.Header {
	h := http.Header{}
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	return h
}

// NoCacheQuery returns base parameters for a read: f=json, a fresh nocache
// value and the token when set.
func NoCacheQuery(token string) url.Values {
	q := url.Values{}
	q.Set("f", "json")
	q.Set("nocache", strings.ReplaceAll(uuid.NewString(), "-", ""))
	if token != "" {
		q.Set("token", token)
	}
	return q
}

func QueryURL(layerURL string) string {
	return strings.TrimRight(layerURL, "/") + "/query"
}

// LayerInfo fetches the layer resource document. The raw body is returned
// for caching.
func (c *Client) LayerInfo(ctx context.Context, layerURL, token string) (LayerInfo, []byte, error) {
	content, err := c.sender.Send(ctx, service.Request{
		URL:    strings.TrimRight(layerURL, "/"),
		Read:   service.ReadJSON,
		Query:  NoCacheQuery(token),
		Header: NoCacheHeader(),
	})
	if err != nil {
		return LayerInfo{}, nil, fmt.Errorf("layer info %s: %w", layerURL, err)
	}
	if _, err := ValidateJSON(content.Body, nil, RequireAny); err != nil {
		return LayerInfo{}, nil, fmt.Errorf("layer info %s: %w", layerURL, err)
	}
	var info LayerInfo
	if err := json.Unmarshal(content.Body, &info); err != nil {
		return LayerInfo{}, nil, errs.Wrap(errs.SchemaViolation, "arcgis.layer_info", err)
	}
	return info, content.Body, nil
}

// CountAndExtent returns the authoritative feature count and extent for q.
func (c *Client) CountAndExtent(ctx context.Context, layerURL string, q Query) (int, Extent, error) {
	params := NoCacheQuery(q.Token)
	params.Set("returnCountOnly", "true")
	params.Set("returnExtentOnly", "true")
	params.Set("where", q.where())
	if q.OutSR != 0 {
		params.Set("outSR", strconv.Itoa(q.OutSR))
	}
	q.Spatial.apply(params)

	content, err := c.sender.Send(ctx, service.Request{
		URL:    QueryURL(layerURL),
		Read:   service.ReadJSON,
		Query:  params,
		Header: NoCacheHeader(),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("count %s: %w", layerURL, err)
	}
	if _, err := ValidateJSON(content.Body, []string{"count", "extent"}, RequireAll); err != nil {
		return 0, nil, fmt.Errorf("count %s: %w", layerURL, err)
	}
	var res struct {
		Count  int    `json:"count"`
		Extent Extent `json:"extent"`
	}
	if err := json.Unmarshal(content.Body, &res); err != nil {
		return 0, nil, errs.Wrap(errs.SchemaViolation, "arcgis.count", err)
	}
	return res.Count, res.Extent, nil
}

// ObjectIDs returns the ids matching q. A null id list means none.
func (c *Client) ObjectIDs(ctx context.Context, layerURL string, q Query) ([]int64, error) {
	params := NoCacheQuery(q.Token)
	params.Set("returnIdsOnly", "true")
	params.Set("where", q.where())
	q.Spatial.apply(params)

	content, err := c.sender.Send(ctx, service.Request{
		URL:    QueryURL(layerURL),
		Read:   service.ReadJSON,
		Query:  params,
		Header: NoCacheHeader(),
	})
	if err != nil {
		return nil, fmt.Errorf("object ids %s: %w", layerURL, err)
	}
	if _, err := ValidateJSON(content.Body, []string{"objectIds"}, RequireAny); err != nil {
		return nil, fmt.Errorf("object ids %s: %w", layerURL, err)
	}
	var res struct {
		ObjectIDs []int64 `json:"objectIds"`
	}
	if err := json.Unmarshal(content.Body, &res); err != nil {
		return nil, errs.Wrap(errs.SchemaViolation, "arcgis.object_ids", err)
	}
	return res.ObjectIDs, nil
}

// FeatureQuery builds the paginated query request for features. Out fields
// default to "*".
func FeatureQuery(layerURL string, q Query, outFields []string) service.Request {
	params := NoCacheQuery(q.Token)
	params.Set("where", q.where())
	if len(outFields) == 0 {
		params.Set("outFields", "*")
	} else {
		params.Set("outFields", strings.Join(outFields, ","))
	}
	if q.OutSR != 0 {
		params.Set("outSR", strconv.Itoa(q.OutSR))
	}
	q.Spatial.apply(params)
	return service.Request{
		URL:    QueryURL(layerURL),
		Read:   service.ReadJSON,
		Query:  params,
		Header: NoCacheHeader(),
	}
}

// EditOptions tune one applyEdits call.
type EditOptions struct {
	Token   string
	Policy  *service.RetryPolicy
	Timeout time.Duration
}

// ApplyEdits posts adds and deletes in one transaction (rollbackOnFailure).
// Per-record failures are left for the caller to inspect.
func (c *Client) ApplyEdits(ctx context.Context, layerURL string, adds []Feature, deletes []int64, opts EditOptions) (EditResponse, error) {
	if adds == nil {
		adds = []Feature{}
	}
	if deletes == nil {
		deletes = []int64{}
	}
	addsJSON, err := json.Marshal(adds)
	if err != nil {
		return EditResponse{}, fmt.Errorf("encode adds: %w", err)
	}
	deletesJSON, err := json.Marshal(deletes)
	if err != nil {
		return EditResponse{}, fmt.Errorf("encode deletes: %w", err)
	}

	form := url.Values{}
	form.Set("adds", string(addsJSON))
	form.Set("deletes", string(deletesJSON))
	form.Set("rollbackOnFailure", "true")
	form.Set("f", "json")
	if opts.Token != "" {
		form.Set("token", opts.Token)
	}

	content, err := c.sender.Send(ctx, service.Request{
		URL:     strings.TrimRight(layerURL, "/") + "/applyEdits",
		Method:  http.MethodPost,
		Read:    service.ReadJSON,
		Policy:  opts.Policy,
		Form:    form,
		Timeout: opts.Timeout,
	})
	if err != nil {
		return EditResponse{}, fmt.Errorf("apply edits %s: %w", layerURL, err)
	}
	if _, err := ValidateJSON(content.Body, []string{"addResults", "deleteResults"}, RequireAny); err != nil {
		return EditResponse{}, fmt.Errorf("apply edits %s: %w", layerURL, err)
	}
	var res EditResponse
	if err := json.Unmarshal(content.Body, &res); err != nil {
		return EditResponse{}, errs.Wrap(errs.SchemaViolation, "arcgis.apply_edits", err)
	}
	return res, nil
}
