// Package steps contains godog step definitions shared by the BDD feature
// files. A TestContext carries the state of one scenario: the base URL of the
// service under test, the last HTTP response, and any values stored for later
// steps.
package steps

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TestContext holds per-scenario state.
type TestContext struct {
	BaseURL        string
	LastStatusCode int
	LastBody       []byte
	LastJSON       map[string]interface{}
	StoredValues   map[string]interface{}

	client *http.Client
}

// NewTestContext creates a TestContext for a service at baseURL.
func NewTestContext(baseURL string) *TestContext {
	return &TestContext{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		StoredValues: map[string]interface{}{},
		client:       &http.Client{Timeout: 5 * time.Second},
	}
}

// ReplacePlaceholders substitutes "{key}" markers with previously stored
// values. Numbers stored from JSON (float64) render without a decimal point
// so they can stand in for rule ids in paths and bodies.
func (tc *TestContext) ReplacePlaceholders(s string) string {
	for key, value := range tc.StoredValues {
		var repr string
		switch v := value.(type) {
		case float64:
			repr = strconv.FormatInt(int64(v), 10)
		case string:
			repr = v
		default:
			repr = fmt.Sprintf("%v", v)
		}
		s = strings.ReplaceAll(s, "{"+key+"}", repr)
	}
	return s
}

// DoRequest performs an HTTP request against the service and records the
// response on the context. Placeholders in path are resolved first.
func (tc *TestContext) DoRequest(method, path string, body []byte) error {
	path = tc.ReplacePlaceholders(path)

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, tc.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tc.LastStatusCode = resp.StatusCode
	tc.LastBody = nil
	tc.LastJSON = nil

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	tc.LastBody = buf.Bytes()

	trimmed := bytes.TrimSpace(tc.LastBody)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var parsed map[string]interface{}
		if err := json.Unmarshal(trimmed, &parsed); err == nil {
			tc.LastJSON = parsed
		}
	}
	return nil
}

// DoJSON marshals payload and performs the request with it as the body.
func (tc *TestContext) DoJSON(method, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}
	return tc.DoRequest(method, path, body)
}

// DoRaw performs the request with body taken verbatim from a DocString,
// after resolving placeholders.
func (tc *TestContext) DoRaw(method, path, body string) error {
	body = tc.ReplacePlaceholders(body)
	return tc.DoRequest(method, path, []byte(body))
}

func (tc *TestContext) Get(path string) error {
	return tc.DoRequest(http.MethodGet, path, nil)
}

func (tc *TestContext) Delete(path string) error {
	return tc.DoRequest(http.MethodDelete, path, nil)
}

// JSONField returns a dotted-path field from the last JSON response.
func (tc *TestContext) JSONField(path string) (interface{}, error) {
	if tc.LastJSON == nil {
		return nil, fmt.Errorf("last response was not a JSON object: %s", tc.LastBody)
	}
	var current interface{} = tc.LastJSON
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("field %q: %q is not an object", path, part)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("field %q not present in response: %s", path, tc.LastBody)
		}
	}
	return current, nil
}

// JSONFieldString returns a dotted-path field rendered as a string.
func (tc *TestContext) JSONFieldString(path string) (string, error) {
	value, err := tc.JSONField(path)
	if err != nil {
		return "", err
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// JSONFieldInt returns a dotted-path field as an integer.
func (tc *TestContext) JSONFieldInt(path string) (int64, error) {
	value, err := tc.JSONField(path)
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("field %q is not a number: %v", path, value)
	}
}
