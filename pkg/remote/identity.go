package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"conversation-router/pkg/auth"
)

// IdentityClient looks customers up in the identity directory.
type IdentityClient struct {
	baseURL string
	http    *http.Client
}

var _ auth.IdentityLookup = (*IdentityClient)(nil)

func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FindIdentificationByEmail returns "" when the directory does not know the
// email.
func (c *IdentityClient) FindIdentificationByEmail(ctx context.Context, email string) (string, error) {
	endpoint := c.baseURL + "/customers/identification?" + url.Values{"email": {email}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build identity request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call identity directory: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", nil
	default:
		return "", statusError("identity directory", res)
	}

	var resp struct {
		Identification string `json:"identification"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to decode identity response: %w", err)
	}
	return resp.Identification, nil
}
