package main

import (
	"bytes"
	"encoding/json"
	"github.com/pkg/errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// client talks to the API of nagstamond.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

// do sends body as JSON and decodes the response into out unless it is nil.
// Responses with a status code not in ok are errors.
func (c *client) do(method, path string, body, out interface{}, ok ...int) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "can't encode request")
		}

		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return errors.Wrap(err, "can't create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "can't %s %s", method, path)
	}
	defer func() { _ = res.Body.Close() }()

	content, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrap(err, "can't read response")
	}

	if !expected(res.StatusCode, ok) {
		return errors.Errorf("%s %s: %s: %s", method, path, res.Status, strings.TrimSpace(string(content)))
	}

	if out != nil {
		if err := json.Unmarshal(content, out); err != nil {
			return errors.Wrap(err, "can't decode response")
		}
	}

	return nil
}

func expected(code int, ok []int) bool {
	if len(ok) == 0 {
		return code == http.StatusOK
	}

	for _, c := range ok {
		if c == code {
			return true
		}
	}

	return false
}
