// Package identity resolves bearer tokens against the external identity
// provider and tracks the guest/identity-provider alias used to carry
// manual connections across an auth upgrade.
//
// The provider itself is out of scope (§1): this package only knows how
// to call it and how to shape the result. It is stateless — caching of
// token validation results is explicitly out of scope (§4.2).
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// maxListPage bounds the followers/following pages read at admission.
// The source system reads a single page per list, acknowledged as a
// limitation (§9 "Unbounded truncation"); this port preserves that
// choice rather than paginating fully.
const maxListPage = 100

// Identity is the stable record returned for a validated bearer token.
type Identity struct {
	ID        int64
	Login     string
	Avatar    string
	Followers []int64
	Following []int64
}

// Config holds the resolver's HTTP client configuration.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultConfig returns sane defaults for Config.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
	}
}

// Resolver validates bearer tokens against the external identity
// provider.
type Resolver struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewResolver constructs a Resolver. It performs no network I/O.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

type providerUser struct {
	ID     int64  `json:"id"`
	Login  string `json:"login"`
	Avatar string `json:"avatar_url"`
}

// Resolve validates token against the identity provider and returns the
// caller's identity plus the first page (bounded at maxListPage) of
// followers and following. Any failure of the /user call — network,
// timeout, non-2xx — is returned as an error; the caller (Session
// Manager) converts that into guest-mode admission per §4.10. A failed
// followers or following fetch is only logged, and that list is nil.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	me, err := r.getUser(ctx, token, "/user")
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	followers, err := r.getUserIDs(ctx, token, "/user/followers")
	if err != nil {
		r.logger.Warn("identity: failed to fetch followers, continuing with empty list", "error", err)
		followers = nil
	}

	following, err := r.getUserIDs(ctx, token, "/user/following")
	if err != nil {
		r.logger.Warn("identity: failed to fetch following, continuing with empty list", "error", err)
		following = nil
	}

	return &Identity{
		ID:        me.ID,
		Login:     me.Login,
		Avatar:    me.Avatar,
		Followers: followers,
		Following: following,
	}, nil
}

func (r *Resolver) getUser(ctx context.Context, token, path string) (*providerUser, error) {
	req, err := r.newRequest(ctx, token, path, 0)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	var u providerUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return &u, nil
}

func (r *Resolver) getUserIDs(ctx context.Context, token, path string) ([]int64, error) {
	req, err := r.newRequest(ctx, token, path, maxListPage)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	var users []providerUser
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}

	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (r *Resolver) newRequest(ctx context.Context, token, path string, perPage int) (*http.Request, error) {
	url := r.cfg.BaseURL + path
	if perPage > 0 {
		url = fmt.Sprintf("%s?per_page=%d", url, perPage)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}
