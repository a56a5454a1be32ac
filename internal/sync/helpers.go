package sync

import (
	"bytes"
	"context"
	"net/http"
)

// MakeAuthenticatedRequest creates an authenticated HTTP request with Bearer token
func MakeAuthenticatedRequest(ctx context.Context, method, url string, body []byte, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return req, nil
}
