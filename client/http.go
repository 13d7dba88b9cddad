package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// apiError is the node's JSON error body.
type apiError struct {
	Error string `json:"error"`
}

// get performs a GET request and decodes the JSON response.
func (c *Client) get(path string, result any) error {
	req, err := http.NewRequest(http.MethodGet, "http://"+c.nodeAddr+path, nil)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	return c.do(req, result)
}

// post performs a POST request with a JSON body and decodes the JSON response.
func (c *Client) post(path string, body, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://"+c.nodeAddr+path, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

// getRaw performs a GET request and returns the raw response body.
func (c *Client) getRaw(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+c.nodeAddr+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("X-Identity", c.identity)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// postRaw performs a POST request with an opaque binary body.
func (c *Client) postRaw(path string, body []byte, result any) error {
	req, err := http.NewRequest(http.MethodPost, "http://"+c.nodeAddr+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	return c.do(req, result)
}

// do executes the request, surfacing the node's error string on
// non-2xx responses.
func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("X-Identity", c.identity)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL.Path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, apiErr.Error)
		}

		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	if result == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
