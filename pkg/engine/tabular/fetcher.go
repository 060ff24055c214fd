package tabular

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/httpjson"
	"github.com/ekaya-inc/ekaya-analyst/pkg/ingest"
	"github.com/ekaya-inc/ekaya-analyst/pkg/models"
)

// Descriptor keys of an api data source.
const (
	DescriptorBaseURL     = "base_url"
	DescriptorAPIKey      = "api_key"
	DescriptorRecordsPath = "records_path" // dotted path to the record array in the response
)

// APIFetcher retrieves the records a request operates on.
type APIFetcher interface {
	Fetch(ctx context.Context, ds models.DataSource, req *Request) (*ingest.Table, error)
}

// HTTPFetcher calls the data source's REST endpoint and reads an array of objects.
type HTTPFetcher struct {
	client *httpjson.Client
	parser ingest.Parser
}

var _ APIFetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher using client.
func NewHTTPFetcher(client *httpjson.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client, parser: &ingest.JSONParser{}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ds models.DataSource, req *Request) (*ingest.Table, error) {
	baseURL := ds.DescriptorString(DescriptorBaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("api data source %s has no %s", ds.ID, DescriptorBaseURL)
	}

	call := httpjson.Request{
		Method:  req.Method,
		BaseURL: baseURL,
		Headers: map[string]string{},
	}
	if req.Path != "" {
		call.Path = strings.Split(strings.Trim(req.Path, "/"), "/")
	}
	if key := ds.DescriptorString(DescriptorAPIKey); key != "" {
		call.Headers["Authorization"] = "Bearer " + key
	}
	if req.Method == http.MethodPost {
		call.Body = req.Params
	} else if len(req.Params) > 0 {
		call.Query = url.Values{}
		for k, v := range req.Params {
			call.Query.Set(k, fmt.Sprint(v))
		}
	}

	body, err := f.client.Do(ctx, call)
	if err != nil {
		return nil, err
	}

	records, err := recordsAt(body, ds.DescriptorString(DescriptorRecordsPath))
	if err != nil {
		return nil, err
	}
	tbl, err := f.parser.Parse(ctx, bytes.NewReader(records), ingest.Options{})
	if errors.Is(err, ingest.ErrNoData) {
		return &ingest.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read api records: %w", err)
	}
	return tbl, nil
}

// recordsAt descends a dotted object path ("data.items") in a JSON document.
func recordsAt(body []byte, path string) ([]byte, error) {
	if path == "" {
		return body, nil
	}
	current := json.RawMessage(body)
	for _, key := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, fmt.Errorf("api response has no object at %q: %w", key, err)
		}
		next, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("api response has no field %q", key)
		}
		current = next
	}
	return current, nil
}
