// Package account talks to the upstream account service that owns user
// credentials and profiles. The ledger never sees these calls.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/blood-ledger/internal/domain/model"
)

var (
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrUnauthorized = errors.New("account service rejected the credentials")
)

type Role string

const (
	RoleDonor     Role = "donor"
	RoleRecipient Role = "recipient"
	RoleHospital  Role = "hospital"
	RoleAdmin     Role = "admin"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleDonor, RoleRecipient, RoleHospital, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

type Profile struct {
	Name       string           `json:"name"`
	BloodGroup model.BloodGroup `json:"bloodGroup,omitempty"`
	Location   string           `json:"location,omitempty"`
	Phone      string           `json:"phone,omitempty"`
	Age        int              `json:"age,omitempty"`
	Gender     string           `json:"gender,omitempty"`
}

type User struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	Role          Role    `json:"role"`
	WalletAddress string  `json:"walletAddress,omitempty"`
	Profile       Profile `json:"profile"`
}

// profileDocument is the shape of GET /api/{role}/profile, which returns the
// stored user document rather than the login summary.
type profileDocument struct {
	ID            string  `json:"_id"`
	Email         string  `json:"email"`
	Role          Role    `json:"role"`
	WalletAddress string  `json:"walletAddress"`
	Profile       Profile `json:"profile"`
}

type loginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// APIError is a non-2xx reply from the account service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("account service: HTTP %d", e.Status)
	}
	return fmt.Sprintf("account service: HTTP %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("component", "account"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token of the current login, if any.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a bearer token, which later calls carry.
func (c *Client) Login(ctx context.Context, email, password string) (User, string, error) {
	body := map[string]string{"email": email, "password": password}
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "", body, &resp); err != nil {
		return User{}, "", fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return User{}, "", fmt.Errorf("login: empty token in response")
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	c.logger.Info("logged in", "user_id", resp.User.ID, "role", resp.User.Role)
	return resp.User, resp.Token, nil
}

// Profile fetches the stored profile of the logged-in user for role.
func (c *Client) Profile(ctx context.Context, role Role) (User, error) {
	token := c.Token()
	if token == "" {
		return User{}, fmt.Errorf("profile: %w", ErrNotLoggedIn)
	}
	var doc profileDocument
	if err := c.do(ctx, http.MethodGet, "/api/"+string(role)+"/profile", token, nil, &doc); err != nil {
		return User{}, fmt.Errorf("profile %s: %w", role, err)
	}
	return User{
		ID:            doc.ID,
		Email:         doc.Email,
		Role:          doc.Role,
		WalletAddress: doc.WalletAddress,
		Profile:       doc.Profile,
	}, nil
}

// Logout forgets the bearer token. The service keeps no session state, so
// nothing is sent upstream.
func (c *Client) Logout() {
	c.mu.Lock()
	had := c.token != ""
	c.token = ""
	c.mu.Unlock()
	if had {
		c.logger.Info("logged out")
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &msg) == nil {
			apiErr.Message = msg.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
