package sheetgate

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
	"time"
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider for a fixed bearer token. An empty token
// sends no Authorization header.
func StaticToken(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type SheetsHTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// SheetsHTTPClient talks to a Google Sheets v4 compatible REST API. It makes
// exactly one request per call; retries belong to the caller.
type SheetsHTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewSheetsHTTPClient(opts SheetsHTTPClientOptions) *SheetsHTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://sheets.googleapis.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &SheetsHTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

type sheetsSpreadsheet struct {
	SpreadsheetID string `json:"spreadsheetId"`
	Properties    struct {
		Title string `json:"title"`
	} `json:"properties"`
	Sheets []struct {
		Properties struct {
			SheetID int64  `json:"sheetId"`
			Title   string `json:"title"`
		} `json:"properties"`
	} `json:"sheets"`
}

type sheetsValueRange struct {
	Range          string   `json:"range,omitempty"`
	MajorDimension string   `json:"majorDimension,omitempty"`
	Values         [][]Cell `json:"values"`
}

type sheetsBatchGetResponse struct {
	ValueRanges []sheetsValueRange `json:"valueRanges"`
}

type sheetsErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *SheetsHTTPClient) spreadsheetURL(sourceID string) string {
	return c.baseURL + "/v4/spreadsheets/" + url.PathEscape(sourceID)
}

func (c *SheetsHTTPClient) Metadata(ctx context.Context, sourceID string) (SourceMetadata, error) {
	q := url.Values{}
	q.Set("fields", "spreadsheetId,properties.title,sheets.properties(sheetId,title)")
	var resp sheetsSpreadsheet
	if err := c.doJSON(ctx, OpMetadata, http.MethodGet, c.spreadsheetURL(sourceID)+"?"+q.Encode(), nil, &resp); err != nil {
		return SourceMetadata{}, err
	}
	meta := SourceMetadata{SourceID: sourceID, Title: resp.Properties.Title, Sheets: make(map[string]int64, len(resp.Sheets))}
	for _, sh := range resp.Sheets {
		meta.Sheets[sh.Properties.Title] = sh.Properties.SheetID
	}
	return meta, nil
}

func (c *SheetsHTTPClient) BatchGet(ctx context.Context, sourceID string, ranges []string) ([]ValueRange, error) {
	q := url.Values{}
	for _, rng := range ranges {
		q.Add("ranges", rng)
	}
	q.Set("majorDimension", "ROWS")
	q.Set("valueRenderOption", "UNFORMATTED_VALUE")
	var resp sheetsBatchGetResponse
	if err := c.doJSON(ctx, OpBatchGet, http.MethodGet, c.spreadsheetURL(sourceID)+"/values:batchGet?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.ValueRanges) != len(ranges) {
		return nil, &RemoteError{
			Op:         OpBatchGet,
			StatusCode: http.StatusBadGateway,
			Status:     "BAD_RESPONSE",
			Message:    fmt.Sprintf("requested %d ranges, got %d", len(ranges), len(resp.ValueRanges)),
		}
	}
	out := make([]ValueRange, len(resp.ValueRanges))
	for i, vr := range resp.ValueRanges {
		out[i] = ValueRange{Range: vr.Range, Values: vr.Values}
	}
	return out, nil
}

func (c *SheetsHTTPClient) Append(ctx context.Context, sourceID, rng string, rows [][]Cell) error {
	q := url.Values{}
	q.Set("valueInputOption", "RAW")
	q.Set("insertDataOption", "INSERT_ROWS")
	endpoint := c.spreadsheetURL(sourceID) + "/values/" + url.PathEscape(rng) + ":append?" + q.Encode()
	body := sheetsValueRange{Range: rng, MajorDimension: "ROWS", Values: rows}
	return c.doJSON(ctx, OpAppend, http.MethodPost, endpoint, body, nil)
}

// UpdateRow relies on the API skipping null cells, which leaves columns the
// caller does not own untouched.
func (c *SheetsHTTPClient) UpdateRow(ctx context.Context, sourceID, rng string, row []Cell) error {
	q := url.Values{}
	q.Set("valueInputOption", "RAW")
	endpoint := c.spreadsheetURL(sourceID) + "/values/" + url.PathEscape(rng) + "?" + q.Encode()
	body := sheetsValueRange{Range: rng, MajorDimension: "ROWS", Values: [][]Cell{row}}
	return c.doJSON(ctx, OpUpdateRow, http.MethodPut, endpoint, body, nil)
}

func (c *SheetsHTTPClient) DeleteRows(ctx context.Context, sourceID string, sheetID int64, start, end int) error {
	body := map[string]any{
		"requests": []any{
			map[string]any{
				"deleteDimension": map[string]any{
					"range": map[string]any{
						"sheetId":    sheetID,
						"dimension":  "ROWS",
						"startIndex": start,
						"endIndex":   end,
					},
				},
			},
		},
	}
	return c.doJSON(ctx, OpDeleteRows, http.MethodPost, c.spreadsheetURL(sourceID)+":batchUpdate", body, nil)
}

func (c *SheetsHTTPClient) doJSON(ctx context.Context, op, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return err
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseSheetsError(op, resp, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &RemoteError{Op: op, StatusCode: http.StatusBadGateway, Status: "BAD_RESPONSE", Message: err.Error()}
	}
	return nil
}

func parseSheetsError(op string, resp *http.Response, body []byte) *RemoteError {
	remote := &RemoteError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Message:    strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	var envelope sheetsErrorEnvelope
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Error.Status != "" {
			remote.Status = envelope.Error.Status
		}
		if msg := strings.TrimSpace(envelope.Error.Message); msg != "" {
			remote.Message = msg
		}
	}
	return remote
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
