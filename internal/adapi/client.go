package adapi

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

	"go.uber.org/zap"
)

// DateRange limits an insights request to [Since, Until] (YYYY-MM-DD).
type DateRange struct {
	Since string `json:"since"`
	Until string `json:"until"`
}

// Request is one logical call against the remote ad platform. ID is a
// caller-supplied correlation id used to key batch results.
type Request struct {
	ID          string
	Method      string
	Path        string
	Fields      []string
	DateRange   *DateRange
	Params      url.Values
	Body        url.Values
	AccessToken string

	// Quota attribution.
	UserID    string
	AccountID string
}

// NewStatusUpdate builds a run-state change request for one ad.
func NewStatusUpdate(userID, accountID, adID, runState, token string) *Request {
	body := url.Values{}
	body.Set("status", runState)
	return &Request{
		Method:      http.MethodPost,
		Path:        "/" + adID,
		Body:        body,
		AccessToken: token,
		UserID:      userID,
		AccountID:   accountID,
	}
}

// NewInsightsRequest builds a spend/result metrics request for one ad.
func NewInsightsRequest(userID, accountID, adID, token string, dateRange *DateRange) *Request {
	return &Request{
		Method:      http.MethodGet,
		Path:        "/" + adID + "/insights",
		Fields:      []string{"spend", "actions", "conversions"},
		DateRange:   dateRange,
		AccessToken: token,
		UserID:      userID,
		AccountID:   accountID,
	}
}

// QuotaUsage is the platform's per-response quota feedback. UsagePct is the
// highest utilization the response advertised; RegainAfter is how long the
// platform says to wait before usage decays, when it says so at all.
type QuotaUsage struct {
	CallCount   int
	UsagePct    float64
	RegainAfter time.Duration
}

// Response is a normalized platform response.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Quota      *QuotaUsage
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out interface{}) error {
	return json.Unmarshal(r.Body, out)
}

// BatchItem is the per-request outcome of a batch call, keyed by the
// correlation id of the sub-request that produced it.
type BatchItem struct {
	ID       string
	Response *Response
	Err      error
}

// Client issues logical requests to the remote ad platform.
type Client interface {
	// Do performs one request. Errors are normalized to *APIError except
	// for context cancellation.
	Do(ctx context.Context, req *Request) (*Response, error)
	// DoBatch performs up to BatchLimit sub-requests as one HTTP call and
	// returns one item per sub-request, in order.
	DoBatch(ctx context.Context, reqs []*Request) ([]*BatchItem, *QuotaUsage, error)
}

// BatchLimit is the platform's ceiling on sub-requests per batch call.
const BatchLimit = 50

// HTTPClient is the production Client backed by net/http.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient constructs a client for the given platform base URL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Do performs one request against the platform.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, &APIError{Kind: KindClientError, Message: err.Error()}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Kind: KindServerError, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindServerError, Message: "reading response: " + err.Error()}
	}

	quota := parseQuotaHeaders(resp.Header)

	if apiErr := extractError(resp.StatusCode, body); apiErr != nil {
		c.logger.Debug("platform call failed",
			zap.String("path", req.Path),
			zap.String("kind", string(apiErr.Kind)),
			zap.Int("code", apiErr.Code),
		)
		return nil, apiErr
	}

	return &Response{StatusCode: resp.StatusCode, Body: body, Quota: quota}, nil
}

// batchEntry is the wire form of one sub-request inside a batch call.
type batchEntry struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
	Body        string `json:"body,omitempty"`
}

// batchResult is the wire form of one sub-response.
type batchResult struct {
	Code int    `json:"code"`
	Body string `json:"body"`
}

// DoBatch posts the sub-requests as a single platform call. The outer call
// consumes one quota unit regardless of batch size; per-item failures are
// normalized the same way as single-call errors.
func (c *HTTPClient) DoBatch(ctx context.Context, reqs []*Request) ([]*BatchItem, *QuotaUsage, error) {
	if len(reqs) == 0 {
		return nil, nil, nil
	}
	if len(reqs) > BatchLimit {
		return nil, nil, &APIError{
			Kind:    KindClientError,
			Message: fmt.Sprintf("batch size %d exceeds platform limit %d", len(reqs), BatchLimit),
		}
	}

	entries := make([]batchEntry, 0, len(reqs))
	for _, r := range reqs {
		entries = append(entries, batchEntry{
			Method:      r.Method,
			RelativeURL: relativeURL(r),
			Body:        r.Body.Encode(),
		})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, nil, &APIError{Kind: KindClientError, Message: err.Error()}
	}

	form := url.Values{}
	form.Set("batch", string(payload))
	form.Set("access_token", reqs[0].AccessToken)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, &APIError{Kind: KindClientError, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, &APIError{Kind: KindServerError, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &APIError{Kind: KindServerError, Message: "reading batch response: " + err.Error()}
	}

	quota := parseQuotaHeaders(resp.Header)

	if apiErr := extractError(resp.StatusCode, body); apiErr != nil {
		return nil, quota, apiErr
	}

	var results []batchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, quota, &APIError{Kind: KindServerError, Message: "decoding batch response: " + err.Error()}
	}
	if len(results) != len(reqs) {
		return nil, quota, &APIError{
			Kind:    KindServerError,
			Message: fmt.Sprintf("batch returned %d results for %d requests", len(results), len(reqs)),
		}
	}

	items := make([]*BatchItem, 0, len(reqs))
	for i, res := range results {
		item := &BatchItem{ID: reqs[i].ID}
		if apiErr := extractError(res.Code, []byte(res.Body)); apiErr != nil {
			item.Err = apiErr
		} else {
			item.Response = &Response{StatusCode: res.Code, Body: json.RawMessage(res.Body)}
		}
		items = append(items, item)
	}
	return items, quota, nil
}

func (c *HTTPClient) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u := c.baseURL + req.Path

	params := url.Values{}
	for k, vs := range req.Params {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("access_token", req.AccessToken)
	if len(req.Fields) > 0 {
		params.Set("fields", strings.Join(req.Fields, ","))
	}
	if req.DateRange != nil {
		tr, err := json.Marshal(req.DateRange)
		if err != nil {
			return nil, err
		}
		params.Set("time_range", string(tr))
	}

	var body io.Reader
	if req.Method == http.MethodGet {
		u += "?" + params.Encode()
	} else {
		merged := url.Values{}
		for k, vs := range req.Body {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		for k, vs := range params {
			for _, v := range vs {
				merged.Set(k, v)
			}
		}
		body = bytes.NewReader([]byte(merged.Encode()))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return httpReq, nil
}

// relativeURL renders the sub-request path and query for batch transport.
func relativeURL(req *Request) string {
	params := url.Values{}
	for k, vs := range req.Params {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if len(req.Fields) > 0 {
		params.Set("fields", strings.Join(req.Fields, ","))
	}
	if req.DateRange != nil {
		if tr, err := json.Marshal(req.DateRange); err == nil {
			params.Set("time_range", string(tr))
		}
	}
	p := strings.TrimPrefix(req.Path, "/")
	if len(params) == 0 {
		return p
	}
	return p + "?" + params.Encode()
}

// platformError is the wire form of an error payload.
type platformError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// extractError returns a normalized error for error payloads and non-2xx
// statuses, nil otherwise.
func extractError(status int, body []byte) *APIError {
	var pe platformError
	if err := json.Unmarshal(body, &pe); err == nil && pe.Error.Code != 0 {
		return &APIError{
			Kind:       classifyCode(status, pe.Error.Code),
			Code:       pe.Error.Code,
			HTTPStatus: status,
			Message:    pe.Error.Message,
		}
	}
	if status >= 200 && status < 300 {
		return nil
	}
	return &APIError{
		Kind:       classifyCode(status, 0),
		HTTPStatus: status,
		Message:    http.StatusText(status),
	}
}

// appUsage is the wire form of the app-level usage header.
type appUsage struct {
	CallCount    int `json:"call_count"`
	TotalTime    int `json:"total_time"`
	TotalCPUTime int `json:"total_cputime"`
}

// accountUsage is the wire form of the per-account usage header.
type accountUsage struct {
	UtilPct     float64 `json:"acc_id_util_pct"`
	RegainAfter int     `json:"estimated_time_to_regain_access"` // minutes
}

// parseQuotaHeaders reads the platform's quota feedback headers. The higher
// of app-level and account-level utilization wins.
func parseQuotaHeaders(h http.Header) *QuotaUsage {
	var q QuotaUsage
	found := false

	if raw := h.Get("X-App-Usage"); raw != "" {
		var u appUsage
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			found = true
			q.CallCount = u.CallCount
			pct := float64(u.CallCount)
			if float64(u.TotalTime) > pct {
				pct = float64(u.TotalTime)
			}
			if float64(u.TotalCPUTime) > pct {
				pct = float64(u.TotalCPUTime)
			}
			q.UsagePct = pct
		}
	}
	if raw := h.Get("X-Ad-Account-Usage"); raw != "" {
		var u accountUsage
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			found = true
			if u.UtilPct > q.UsagePct {
				q.UsagePct = u.UtilPct
			}
			if u.RegainAfter > 0 {
				q.RegainAfter = time.Duration(u.RegainAfter) * time.Minute
			}
		}
	}

	if !found {
		return nil
	}
	return &q
}
