package sso

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/amoylab/esilink/internal/common/config"
)

// Profile is the verified identity behind an access token
type Profile struct {
	CharacterID   int64
	CharacterName string
	ExpiresOn     time.Time
}

// Grant is the result of a completed callback
type Grant struct {
	AccessToken  string
	RefreshToken string
	Profile      Profile
}

// NewOAuth2Config builds the client configuration shared by the login flow
// and the token refresher
func NewOAuth2Config(cfg config.SSOConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// Provider drives the authorization code flow against the SSO
type Provider struct {
	oauth     *oauth2.Config
	verifyURL string
	http      *http.Client
	logger    *zap.Logger
}

// NewProvider creates a provider. A nil httpClient uses http.DefaultClient.
func NewProvider(oauthCfg *oauth2.Config, verifyURL string, httpClient *http.Client, logger *zap.Logger) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{
		oauth:     oauthCfg,
		verifyURL: verifyURL,
		http:      httpClient,
		logger:    logger.Named("sso.provider"),
	}
}

// AuthCodeURL is where the browser is sent to log in
func (p *Provider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades the callback code for a token pair and resolves the
// character behind it
func (p *Provider) Exchange(ctx context.Context, code string) (*Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	profile, err := p.verify(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	if profile.ExpiresOn.IsZero() {
		profile.ExpiresOn = tok.Expiry
	}
	return &Grant{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Profile: *profile}, nil
}

type verifyResponse struct {
	CharacterID   int64  `json:"CharacterID"`
	CharacterName string `json:"CharacterName"`
	ExpiresOn     string `json:"ExpiresOn"`
}

func (p *Provider) verify(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.verifyURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("token verification rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, fmt.Errorf("verify access token: status %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	if vr.CharacterID == 0 {
		return nil, fmt.Errorf("verify response carries no character")
	}
	return &Profile{
		CharacterID:   vr.CharacterID,
		CharacterName: vr.CharacterName,
		ExpiresOn:     parseExpiresOn(vr.ExpiresOn),
	}, nil
}

// parseExpiresOn accepts RFC3339 and the zone-less form the verify endpoint
// uses, which is UTC
func parseExpiresOn(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05.9999999", v, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
