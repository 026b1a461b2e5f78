package sheetgate

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildTabularStoreFromDSN picks the remote store by DSN scheme:
// memory://, xlsx:///dir, or an http(s) base URL of a Sheets-compatible API.
func BuildTabularStoreFromDSN(dsn, token string) (TabularStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupTabularStoreFactory(scheme); ok {
		return factory(dsn, token)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "xlsx", "excel":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewXLSXStore(dir)
	case "http", "https":
		return NewSheetsHTTPClient(SheetsHTTPClientOptions{
			BaseURL:       dsn,
			TokenProvider: StaticToken(token),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported tabular store scheme: %s", scheme)
	}
}
