package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// JSONParser reads a top-level array of flat objects. Columns are the union of
// keys in first-seen order; nested objects and arrays are kept as JSON text.
type JSONParser struct{}

func (p *JSONParser) SupportedFormats() []string { return []string{"json"} }

func (p *JSONParser) Parse(ctx context.Context, r io.Reader, opts Options) (*Table, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, fmt.Errorf("reading JSON: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("reading JSON: expected an array of objects")
	}

	var (
		header  []string
		index   = make(map[string]int)
		objects []map[string]string
	)

	for dec.More() {
		if len(objects)%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		obj, keys, err := decodeObject(dec)
		if err != nil {
			return nil, fmt.Errorf("reading JSON element %d: %w", len(objects), err)
		}
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(header)
				header = append(header, k)
			}
		}
		objects = append(objects, obj)
		if opts.MaxRows > 0 && len(objects) >= opts.MaxRows {
			break
		}
	}

	if len(header) == 0 {
		return nil, ErrNoData
	}

	records := make([][]string, len(objects))
	for i, obj := range objects {
		rec := make([]string, len(header))
		for k, v := range obj {
			rec[index[k]] = v
		}
		records[i] = rec
	}

	return buildTable(header, records)
}

// decodeObject reads one object, returning its values as cell strings and its keys in order.
func decodeObject(dec *json.Decoder) (map[string]string, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected object")
	}

	obj := make(map[string]string)
	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		if _, dup := obj[key]; !dup {
			keys = append(keys, key)
		}
		obj[key] = cellFromJSON(raw)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return obj, keys, nil
}

func cellFromJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			return strconv.FormatBool(b)
		}
	}
	return string(raw)
}
