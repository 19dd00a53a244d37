package esi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
)

// fallbackTokenLifetime is assumed when a refresh answer carries no expiry
const fallbackTokenLifetime = 20 * time.Minute

// UpstreamTokenError reports that the upstream rejected the access token
type UpstreamTokenError struct {
	Op      string
	Status  int
	Message string
}

func (e *UpstreamTokenError) Error() string {
	return fmt.Sprintf("upstream %s: status %d: token rejected: %s", e.Op, e.Status, e.Message)
}

// Refresher exchanges a refresh token for a new token pair
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuth2Refresher runs the refresh grant against the SSO token endpoint
type OAuth2Refresher struct {
	cfg    *oauth2.Config
	client *http.Client
}

// NewOAuth2Refresher creates a refresher. A nil client uses the oauth2 default.
func NewOAuth2Refresher(cfg *oauth2.Config, client *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{cfg: cfg, client: client}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	// an empty access token is never valid, so the source always refreshes
	return r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// send performs a single authenticated GET and classifies the answer
func (c *Client) send(ctx context.Context, op, path, token string) ([]byte, Freshness, error) {
	ctx, cancel := context.WithTimeout(ctx, c.f.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.f.endpoint(path), nil)
	if err != nil {
		return nil, Freshness{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if c.f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.f.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.f.http.Do(req)
	if err != nil {
		c.f.metrics.UpstreamDone(op, 0, start)
		return nil, Freshness{}, errorx.Upstream(op, 0, errorx.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	c.f.metrics.UpstreamDone(op, resp.StatusCode, start)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, Freshness{}, errorx.Upstream(op, resp.StatusCode, errorx.ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, ParseFreshness(resp.Header, c.f.now()), nil
	case tokenRejected(resp.StatusCode, body):
		return nil, Freshness{}, &UpstreamTokenError{Op: op, Status: resp.StatusCode, Message: upstreamMessage(body)}
	}

	c.f.logger.Warn("upstream call failed",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("body", upstreamMessage(body)))

	cause := fmt.Errorf("%s", upstreamMessage(body))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, Freshness{}, errorx.Upstream(op, resp.StatusCode, errorx.ErrNotFound, cause)
	case http.StatusForbidden:
		// missing scope; only a new login can grant it
		return nil, Freshness{}, errorx.Upstream(op, resp.StatusCode, errorx.ErrCredentialExpired, cause)
	default:
		return nil, Freshness{}, errorx.Upstream(op, resp.StatusCode, errorx.ErrUpstreamUnavailable, cause)
	}
}

func (f *Factory) endpoint(path string) string {
	q := url.Values{}
	if f.cfg.Datasource != "" {
		q.Set("datasource", f.cfg.Datasource)
	}
	u := strings.TrimRight(f.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// tokenRejected matches 401 answers and 403 answers whose error mentions the token
func tokenRejected(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusForbidden {
		return false
	}
	msg := strings.ToLower(gjson.GetBytes(body, "error").String())
	return strings.Contains(msg, "expired") || strings.Contains(msg, "invalid token") || strings.Contains(msg, "token is invalid")
}

func upstreamMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		return msg.String()
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}

// refresh rotates the token pair of one character record. Concurrent
// callers for the same record share one refresh and one write; a caller
// whose token was already replaced gets the stored pair without a new grant.
func (f *Factory) refresh(ctx context.Context, id uint, rejected string) (*database.Character, error) {
	key := strconv.FormatUint(uint64(id), 10)
	v, err, _ := f.refreshes.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.CallTimeout)
		defer cancel()

		current, err := f.store.GetCharacter(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reload character record %d: %w", id, err)
		}
		if current.AccessToken != rejected {
			return current, nil
		}

		tok, err := f.refresher.Refresh(ctx, current.RefreshToken)
		if err != nil {
			f.metrics.TokenRefreshed(false)
			f.logger.Warn("token refresh failed",
				zap.Int64("character_id", current.CharacterID),
				zap.Error(err))
			return nil, errorx.Upstream("token_refresh", 0, errorx.ErrCredentialExpired, err)
		}
		f.metrics.TokenRefreshed(true)

		refreshToken := tok.RefreshToken
		if refreshToken == "" {
			refreshToken = current.RefreshToken
		}
		expiresOn := tok.Expiry
		if expiresOn.IsZero() {
			expiresOn = f.now().Add(fallbackTokenLifetime)
		}
		if err := f.store.UpdateCharacterTokens(ctx, id, tok.AccessToken, refreshToken, expiresOn); err != nil {
			return nil, fmt.Errorf("persist refreshed tokens: %w", err)
		}

		updated := *current
		updated.AccessToken = tok.AccessToken
		updated.RefreshToken = refreshToken
		updated.ExpiresOn = expiresOn
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}
	character := *(v.(*database.Character))
	return &character, nil
}
