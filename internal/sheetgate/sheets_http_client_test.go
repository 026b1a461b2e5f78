package sheetgate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSheetsHTTPClientBatchGet(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/v4/spreadsheets/crm/values:batchGet" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		q := r.URL.Query()
		if ranges := q["ranges"]; len(ranges) != 2 || ranges[0] != "Clients!A1:C" || ranges[1] != "Projects" {
			t.Fatalf("unexpected ranges %v", ranges)
		}
		if q.Get("valueRenderOption") != "UNFORMATTED_VALUE" || q.Get("majorDimension") != "ROWS" {
			t.Fatalf("unexpected query %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"valueRanges":[
			{"range":"Clients!A1:C3","values":[["ID","Name","Revenue"],["c1","Acme",1200.5]]},
			{"range":"Projects!A1:Z1000"}
		]}`)
	}))
	defer server.Close()

	client := NewSheetsHTTPClient(SheetsHTTPClientOptions{BaseURL: server.URL + "/", TokenProvider: StaticToken(" tok-1 ")})
	got, err := client.BatchGet(context.Background(), "crm", []string{"Clients!A1:C", "Projects"})
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(got) != 2 || len(got[0].Values) != 2 || got[0].Values[1][2] != 1200.5 {
		t.Fatalf("unexpected value ranges %+v", got)
	}
	if len(got[1].Values) != 0 {
		t.Fatalf("expected empty grid for range without values, got %v", got[1].Values)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected exactly one request, got %d", requests.Load())
	}
}

func TestSheetsHTTPClientWrites(t *testing.T) {
	type captured struct {
		method string
		path   string
		query  string
		body   map[string]any
	}
	var seen []captured
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen = append(seen, captured{method: r.Method, path: r.URL.EscapedPath(), query: r.URL.RawQuery, body: body})
		if strings.HasSuffix(r.URL.Path, "/crm") && r.Method == http.MethodGet {
			_, _ = io.WriteString(w, `{"spreadsheetId":"crm","properties":{"title":"CRM"},"sheets":[{"properties":{"sheetId":77,"title":"Clients"}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewSheetsHTTPClient(SheetsHTTPClientOptions{BaseURL: server.URL})
	if err := client.Append(ctx, "crm", "Clients!A1:C", [][]Cell{{"c3", "Initech", 50.0}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := client.UpdateRow(ctx, "crm", "Clients!A2:C2", []Cell{nil, "Acme Corp", nil}); err != nil {
		t.Fatalf("update: %v", err)
	}
	meta, err := client.Metadata(ctx, "crm")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Title != "CRM" || meta.Sheets["Clients"] != 77 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if err := client.DeleteRows(ctx, "crm", 77, 1, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(seen) != 4 {
		t.Fatalf("expected 4 requests, got %d", len(seen))
	}
	if seen[0].method != http.MethodPost || !strings.HasSuffix(seen[0].path, ":append") || !strings.Contains(seen[0].query, "insertDataOption=INSERT_ROWS") {
		t.Fatalf("unexpected append request %+v", seen[0])
	}
	if seen[1].method != http.MethodPut || !strings.Contains(seen[1].query, "valueInputOption=RAW") {
		t.Fatalf("unexpected update request %+v", seen[1])
	}
	values := seen[1].body["values"].([]any)[0].([]any)
	if values[0] != nil || values[1] != "Acme Corp" {
		t.Fatalf("expected untouched cells sent as null, got %v", values)
	}
	if !strings.HasSuffix(seen[3].path, ":batchUpdate") {
		t.Fatalf("unexpected delete path %s", seen[3].path)
	}
	dim := seen[3].body["requests"].([]any)[0].(map[string]any)["deleteDimension"].(map[string]any)["range"].(map[string]any)
	if dim["sheetId"] != float64(77) || dim["startIndex"] != float64(1) || dim["endIndex"] != float64(2) || dim["dimension"] != "ROWS" {
		t.Fatalf("unexpected delete dimension %v", dim)
	}
}

func TestSheetsHTTPClientMapsErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer server.Close()

	client := NewSheetsHTTPClient(SheetsHTTPClientOptions{BaseURL: server.URL})
	_, err := client.BatchGet(context.Background(), "crm", []string{"Clients"})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if remote.StatusCode != 429 || remote.Status != "RESOURCE_EXHAUSTED" || remote.Message != "Quota exceeded" || remote.RetryAfter != 7*time.Second {
		t.Fatalf("unexpected remote error %+v", remote)
	}
	if !IsTransient(err) {
		t.Fatalf("expected 429 to be transient")
	}

	status = http.StatusForbidden
	_, err = client.BatchGet(context.Background(), "crm", []string{"Clients"})
	if !IsFatal(err) {
		t.Fatalf("expected 403 to be fatal, got %v", err)
	}
}

func TestSheetsHTTPClientRejectsShortBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"valueRanges":[]}`)
	}))
	defer server.Close()
	client := NewSheetsHTTPClient(SheetsHTTPClientOptions{BaseURL: server.URL})
	_, err := client.BatchGet(context.Background(), "crm", []string{"Clients"})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected bad gateway for short response, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Hour {
		t.Fatalf("expected positive delay from HTTP date, got %v", got)
	}
}
