// Package mikrotik provisions hotspot credentials on RouterOS devices over
// the v7 REST API. Creation is idempotent: re-sending the same deterministic
// credential is treated as success, so a retried saga never errors on a user
// that already exists.
package mikrotik

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

// Compile-time check: Client implements domain.DeviceProvisioner.
var _ domain.DeviceProvisioner = (*Client)(nil)

// Client implements domain.DeviceProvisioner.
type Client struct {
	scheme     string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithScheme switches to plain HTTP, for devices without www-ssl or for tests.
func WithScheme(scheme string) Option {
	return func(c *Client) { c.scheme = scheme }
}

func New(opts ...Option) *Client {
	c := &Client{
		scheme:     "https",
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type restError struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func (e restError) text() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}

// TestConnectivity verifies the device answers before any money moves.
func (c *Client) TestConnectivity(ctx context.Context, router domain.Router) error {
	var out json.RawMessage
	if err := c.do(ctx, router, http.MethodGet, "/system/resource", nil, &out); err != nil {
		return fmt.Errorf("device %s unreachable: %w", router.Host, err)
	}
	return nil
}

// CreateCredential ensures the hotspot user exists with the given spec.
func (c *Client) CreateCredential(ctx context.Context, router domain.Router, spec domain.CredentialSpec) (domain.Credential, error) {
	body := map[string]string{
		"name":     spec.Username,
		"password": spec.Password,
		"profile":  spec.Profile,
		"disabled": "no",
	}

	var out json.RawMessage
	err := c.do(ctx, router, http.MethodPut, "/ip/hotspot/user", body, &out)
	if err != nil && !isAlreadyExists(err) {
		return domain.Credential{}, fmt.Errorf("creating hotspot user: %w", err)
	}

	return domain.Credential{
		Username:  spec.Username,
		Password:  spec.Password,
		Profile:   spec.Profile,
		RouterID:  router.ID,
		ExpiresAt: spec.ExpiresAt,
	}, nil
}

// BindAndAutoConnect pins the credential to the customer's MAC and logs the
// device in on their behalf. Partial success is reported, not failed: a bound
// credential with no live host still lets the customer connect manually.
func (c *Client) BindAndAutoConnect(ctx context.Context, router domain.Router, mac string, cred domain.Credential) (domain.AutoConnectResult, error) {
	result := domain.AutoConnectResult{Attempted: true}
	mac = normalizeMAC(mac)

	// Pin the user to the MAC so only this device can use the credential.
	userID, err := c.findUserID(ctx, router, cred.Username)
	if err != nil {
		return result, err
	}
	err = c.do(ctx, router, http.MethodPatch, "/ip/hotspot/user/"+url.PathEscape(userID),
		map[string]string{"mac-address": mac}, nil)
	if err != nil {
		return result, fmt.Errorf("binding mac: %w", err)
	}
	result.Bound = true

	// The host must be on the hotspot network for a server-side login.
	host, ok, err := c.findHost(ctx, router, mac)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Message = "device not present on hotspot network"
		return result, nil
	}

	err = c.do(ctx, router, http.MethodPost, "/ip/hotspot/active/login", map[string]string{
		"user":        cred.Username,
		"password":    cred.Password,
		"mac-address": mac,
		"ip":          host,
	}, nil)
	if err != nil && !isAlreadyAuthorized(err) {
		result.Message = err.Error()
		return result, nil
	}

	connected, err := c.isActive(ctx, router, cred.Username)
	if err != nil {
		result.Message = err.Error()
		return result, nil
	}
	result.Connected = connected
	if !connected {
		result.Message = "login accepted but session not active yet"
	}
	return result, nil
}

func (c *Client) findUserID(ctx context.Context, router domain.Router, username string) (string, error) {
	var users []struct {
		ID   string `json:".id"`
		Name string `json:"name"`
	}
	err := c.do(ctx, router, http.MethodGet, "/ip/hotspot/user?name="+url.QueryEscape(username), nil, &users)
	if err != nil {
		return "", fmt.Errorf("finding hotspot user: %w", err)
	}
	if len(users) == 0 {
		return "", fmt.Errorf("hotspot user %q not found on device", username)
	}
	return users[0].ID, nil
}

func (c *Client) findHost(ctx context.Context, router domain.Router, mac string) (string, bool, error) {
	var hosts []struct {
		Address string `json:"address"`
		MAC     string `json:"mac-address"`
	}
	err := c.do(ctx, router, http.MethodGet, "/ip/hotspot/host?mac-address="+url.QueryEscape(strings.ToUpper(mac)), nil, &hosts)
	if err != nil {
		return "", false, fmt.Errorf("finding hotspot host: %w", err)
	}
	if len(hosts) == 0 {
		return "", false, nil
	}
	return hosts[0].Address, true, nil
}

func (c *Client) isActive(ctx context.Context, router domain.Router, username string) (bool, error) {
	var active []struct {
		User string `json:"user"`
	}
	err := c.do(ctx, router, http.MethodGet, "/ip/hotspot/active?user="+url.QueryEscape(username), nil, &active)
	if err != nil {
		return false, fmt.Errorf("checking active sessions: %w", err)
	}
	return len(active) > 0, nil
}

func (c *Client) do(ctx context.Context, router domain.Router, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	endpoint := fmt.Sprintf("%s://%s:%d/rest%s", c.scheme, router.Host, router.Port, path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(router.Username, router.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var re restError
		_ = json.NewDecoder(resp.Body).Decode(&re)
		if msg := re.text(); msg != "" {
			return fmt.Errorf("device returned %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("device returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already have user")
}

func isAlreadyAuthorized(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already authorized")
}

func normalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}
