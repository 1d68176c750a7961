// Package provision is the client side of the provisioning API: the
// anonymous token exchange, the post-quantum key stage and server probing.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marinvpn/internal/logging"
	"marinvpn/pkg/proto"
	"marinvpn/pkg/vpnerr"
)

var log = logging.GetLogger("provision")

const (
	defaultTimeout = 15 * time.Second
	maxResponse    = 1 << 20
)

// Client talks to one provisioning service. Requests are never retried.
type Client struct {
	baseURL    string
	session    string
	httpClient *http.Client
}

func NewClient(baseURL, sessionToken string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    sessionToken,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// BlindKey fetches the signer's PEM public key.
func (c *Client) BlindKey(ctx context.Context) (string, error) {
	b, err := c.do(ctx, http.MethodGet, "/api/v1/auth/blind-key", true, nil)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) IssueToken(ctx context.Context, blinded string) (string, error) {
	var out proto.BlindTokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/issue-token", true, proto.BlindTokenRequest{BlindedMessage: blinded}, &out); err != nil {
		return "", err
	}
	return out.SignedBlindedMessage, nil
}

// AnonymousConfig redeems a token. The request carries no session
// credential.
func (c *Client) AnonymousConfig(ctx context.Context, req proto.AnonymousConfigRequest) (proto.TunnelDescriptor, error) {
	var out proto.TunnelDescriptor
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/vpn/config-anonymous", false, req, &out)
	return out, err
}

func (c *Client) Config(ctx context.Context, req proto.ConfigRequest) (proto.TunnelDescriptor, error) {
	var out proto.TunnelDescriptor
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/vpn/config", true, req, &out)
	return out, err
}

func (c *Client) Servers(ctx context.Context) ([]proto.VpnServer, error) {
	var out []proto.VpnServer
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/vpn/servers", false, nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, auth bool, in interface{}, out interface{}) error {
	b, err := c.do(ctx, method, path, auth, in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return vpnerr.NewConnectionFailed(fmt.Sprintf("decode %s: %v", path, err))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, auth bool, in interface{}) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.session != "" {
		req.Header.Set("Authorization", "Bearer "+c.session)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, vpnerr.NewConnectionFailed(fmt.Sprintf("%s %s: %v", method, path, err))
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, vpnerr.NewConnectionFailed(fmt.Sprintf("read %s: %v", path, err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(path, resp.StatusCode, b)
	}
	return b, nil
}

// statusError maps an error response back onto the shared taxonomy.
func statusError(path string, status int, body []byte) error {
	var e proto.ErrorResponse
	_ = json.Unmarshal(body, &e)
	switch {
	case status == http.StatusUnauthorized:
		return vpnerr.ErrUnauthorized
	case status == http.StatusBadRequest && e.Error == vpnerr.PublicMessage(vpnerr.ErrTokenAlreadyUsed):
		return vpnerr.ErrTokenAlreadyUsed
	case status == http.StatusBadRequest && e.Error == vpnerr.PublicMessage(vpnerr.ErrNoServersAvailable):
		return vpnerr.ErrNoServersAvailable
	case status == http.StatusBadRequest:
		return fmt.Errorf("%s: %w", path, vpnerr.ErrMalformedInput)
	default:
		return vpnerr.NewConnectionFailed(fmt.Sprintf("%s returned status %d", path, status))
	}
}
