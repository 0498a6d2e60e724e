// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dexnet holds the small JSON-over-HTTP client helpers used to reach
// external services.
package dexnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const responseSizeLimit = 1 << 20 // 1 MiB

// Client is the HTTP client used for every request. Requests carry their own
// contexts, the timeout is a backstop.
var Client = &http.Client{Timeout: 2 * time.Minute}

// HTTPError is a non-200 response.
type HTTPError struct {
	Code   int
	Status string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error: %q (code %d)", e.Status, e.Code)
}

// RequestOption are optional arguments to Get, PostJSON, or Do.
type RequestOption struct {
	header   *[2]string
	errThing any
}

// WithRequestHeader adds a header entry to the request.
func WithRequestHeader(k, v string) *RequestOption {
	h := [2]string{k, v}
	return &RequestOption{header: &h}
}

// WithErrorParsing adds parsing of response bodies for HTTP error responses.
func WithErrorParsing(thing any) *RequestOption {
	return &RequestOption{errThing: thing}
}

// PostJSON JSON-encodes payload as the body of a POST request. If thing is
// non-nil, the response will be JSON-unmarshaled into thing.
func PostJSON(ctx context.Context, uri string, thing, payload any, opts ...*RequestOption) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return Do(req, thing, opts...)
}

// Get performs an HTTP GET request. If thing is non-nil, the response will
// be JSON-unmarshaled into thing.
func Get(ctx context.Context, uri string, thing any, opts ...*RequestOption) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	return Do(req, thing, opts...)
}

// Do does the request and JSON-unmarshals the result into thing, if non-nil.
// A non-200 status is returned as *HTTPError.
func Do(req *http.Request, thing any, opts ...*RequestOption) error {
	var errThing any
	for _, opt := range opts {
		switch {
		case opt.header != nil:
			h := *opt.header
			req.Header.Add(h[0], h[1])
		case opt.errThing != nil:
			errThing = opt.errThing
		}
	}
	resp, err := Client.Do(req)
	if err != nil {
		return fmt.Errorf("error performing request: %w", err)
	}
	defer resp.Body.Close()
	reader := io.LimitReader(resp.Body, responseSizeLimit)
	if resp.StatusCode != http.StatusOK {
		httpErr := &HTTPError{Code: resp.StatusCode, Status: resp.Status}
		if errThing != nil {
			if err = json.NewDecoder(reader).Decode(errThing); err != nil {
				return fmt.Errorf("%w. error encountered parsing error body: %v", httpErr, err)
			}
		}
		return httpErr
	}
	if thing == nil {
		return nil
	}
	if err = json.NewDecoder(reader).Decode(thing); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}
