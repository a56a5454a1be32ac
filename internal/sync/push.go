package sync

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/xelth-com/meshsync/internal/wire"
)

// DefaultRequestTimeout bounds one batch upload.
const DefaultRequestTimeout = 30 * time.Second

// maxErrorBody caps how much of a rejection body is kept in the error.
const maxErrorBody = 4096

// NewHTTPClient creates the client used for batch uploads
func NewHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// pushBatch POSTs an encoded batch. Any error means nothing was acknowledged.
// A 2xx answer whose body cannot be decoded still counts as acknowledged and
// yields a nil response.
func (c *Client) pushBatch(ctx context.Context, body []byte) (*wire.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := MakeAuthenticatedRequest(ctx, http.MethodPost, c.opts.URL, body, c.opts.APIKey)
	if err != nil {
		return nil, &TransportError{URL: c.opts.URL, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{URL: c.opts.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ServerRejectedError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(text))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{URL: c.opts.URL, Err: err}
	}
	var out wire.Response
	if err := json.Unmarshal(data, &out); err != nil {
		c.log.Warn().Err(err).Msg("sync acknowledged with unreadable body")
		return nil, nil
	}
	return &out, nil
}
