package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/pkg/metrics"
)

// maxBodySize caps how much of an upstream body is read
const maxBodySize = 8 << 20

// CredentialStore is the part of the repository the gateway reads and writes
type CredentialStore interface {
	GetCharacter(ctx context.Context, id uint) (*database.Character, error)
	UpdateCharacterTokens(ctx context.Context, id uint, accessToken, refreshToken string, expiresOn time.Time) error
}

// ResourceCache holds sub-resources between tick cycles of one session
type ResourceCache interface {
	// Lookup returns the payload stored under key if it is still fresh at now
	Lookup(key string, now time.Time) (json.RawMessage, bool)
	// Store records a payload and its freshness under key
	Store(key string, payload json.RawMessage, f Freshness)
}

// Option configures a Factory
type Option func(*Factory)

// WithMetrics records upstream calls and refreshes
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// Factory builds per-character clients and owns the per-character refresh guard
type Factory struct {
	cfg       config.ESIConfig
	store     CredentialStore
	refresher Refresher
	http      *http.Client
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	refreshes singleflight.Group
}

// NewFactory creates a client factory. A nil httpClient uses http.DefaultClient.
func NewFactory(cfg config.ESIConfig, store CredentialStore, refresher Refresher, httpClient *http.Client, logger *zap.Logger, opts ...Option) *Factory {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	f := &Factory{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		http:      httpClient,
		logger:    logger.Named("esi"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ForCharacter loads the current credentials of a character record and
// returns a client bound to them
func (f *Factory) ForCharacter(ctx context.Context, id uint) (*Client, error) {
	character, err := f.store.GetCharacter(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return nil, fmt.Errorf("character record %d: %w", id, errorx.ErrNotFound)
		}
		return nil, err
	}
	return &Client{f: f, character: character}, nil
}

// Client calls the upstream API with one character's credentials
type Client struct {
	f         *Factory
	mu        sync.Mutex
	character *database.Character
}

// CharacterID is the provider id of the bound character
func (c *Client) CharacterID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.character.CharacterID
}

func (c *Client) Location(ctx context.Context) (*Envelope[Location], error) {
	path := fmt.Sprintf("/v2/characters/%d/location/", c.CharacterID())
	var out Location
	f, err := c.getJSON(ctx, "location", path, &out)
	if err != nil {
		return nil, err
	}
	return &Envelope[Location]{Payload: out, Freshness: f}, nil
}

func (c *Client) OnlineStatus(ctx context.Context) (*Envelope[OnlineStatus], error) {
	path := fmt.Sprintf("/v3/characters/%d/online/", c.CharacterID())
	var out OnlineStatus
	f, err := c.getJSON(ctx, "online_status", path, &out)
	if err != nil {
		return nil, err
	}
	return &Envelope[OnlineStatus]{Payload: out, Freshness: f}, nil
}

func (c *Client) SystemInfo(ctx context.Context, systemID int64) (*Envelope[json.RawMessage], error) {
	body, f, err := c.get(ctx, "system_info", fmt.Sprintf("/v4/universe/systems/%d/", systemID))
	if err != nil {
		return nil, err
	}
	return &Envelope[json.RawMessage]{Payload: body, Freshness: f}, nil
}

// SovereigntyInfo returns the sovereignty map entry of one system. Systems
// absent from the map yield an entry holding only the system id.
func (c *Client) SovereigntyInfo(ctx context.Context, systemID int64) (*Envelope[json.RawMessage], error) {
	body, f, err := c.get(ctx, "sovereignty_info", "/v1/sovereignty/map/")
	if err != nil {
		return nil, err
	}
	entry := gjson.GetBytes(body, fmt.Sprintf("#(system_id==%d)", systemID))
	if !entry.Exists() {
		return &Envelope[json.RawMessage]{
			Payload:   json.RawMessage(fmt.Sprintf(`{"system_id":%d}`, systemID)),
			Freshness: f,
		}, nil
	}
	return &Envelope[json.RawMessage]{Payload: json.RawMessage(entry.Raw), Freshness: f}, nil
}

func (c *Client) FactionInfo(ctx context.Context, factionID int64) (*Envelope[json.RawMessage], error) {
	body, f, err := c.get(ctx, "faction_info", "/v2/universe/factions/")
	if err != nil {
		return nil, err
	}
	entry := gjson.GetBytes(body, fmt.Sprintf("#(faction_id==%d)", factionID))
	if !entry.Exists() {
		return nil, errorx.Upstream("faction_info", http.StatusNotFound, errorx.ErrNotFound,
			fmt.Errorf("faction %d not in faction list", factionID))
	}
	return &Envelope[json.RawMessage]{Payload: json.RawMessage(entry.Raw), Freshness: f}, nil
}

func (c *Client) StationInfo(ctx context.Context, stationID int64) (*Envelope[json.RawMessage], error) {
	body, f, err := c.get(ctx, "station_info", fmt.Sprintf("/v2/universe/stations/%d/", stationID))
	if err != nil {
		return nil, err
	}
	return &Envelope[json.RawMessage]{Payload: body, Freshness: f}, nil
}

// LocationDetail runs the composite lookup: location, system, sovereignty,
// then faction, structure and station when present. The envelope carries the
// location call's freshness. Any failing step fails the whole call. Fresh
// entries in cache are reused for every step except the location itself.
func (c *Client) LocationDetail(ctx context.Context, cache ResourceCache) (*Envelope[*LocationDetail], error) {
	loc, err := c.Location(ctx)
	if err != nil {
		return nil, err
	}
	systemID := loc.Payload.SolarSystemID

	detail := &LocationDetail{Location: loc.Payload}
	if detail.System, err = c.cached(ctx, cache, "system", systemID, c.SystemInfo); err != nil {
		return nil, err
	}
	if detail.Sov, err = c.cached(ctx, cache, "sov", systemID, c.SovereigntyInfo); err != nil {
		return nil, err
	}
	if factionID := gjson.GetBytes(detail.Sov, "faction_id").Int(); factionID != 0 {
		if detail.Faction, err = c.cached(ctx, cache, "faction", factionID, c.FactionInfo); err != nil {
			return nil, err
		}
	}
	if loc.Payload.StructureID != nil {
		detail.Structure = &StructureRef{StructureID: *loc.Payload.StructureID}
	}
	if loc.Payload.StationID != nil {
		if detail.Station, err = c.cached(ctx, cache, "station", *loc.Payload.StationID, c.StationInfo); err != nil {
			return nil, err
		}
	}

	return &Envelope[*LocationDetail]{Payload: detail, Freshness: loc.Freshness}, nil
}

type rawFetch func(ctx context.Context, id int64) (*Envelope[json.RawMessage], error)

func (c *Client) cached(ctx context.Context, cache ResourceCache, resource string, id int64, fetch rawFetch) (json.RawMessage, error) {
	key := resource + ":" + strconv.FormatInt(id, 10)
	if cache != nil {
		if raw, ok := cache.Lookup(key, c.f.now()); ok {
			c.f.metrics.SkippedFresh(resource)
			return raw, nil
		}
	}
	env, err := fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Store(key, env.Payload, env.Freshness)
	}
	return env.Payload, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) (Freshness, error) {
	body, f, err := c.get(ctx, op, path)
	if err != nil {
		return Freshness{}, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Freshness{}, errorx.Upstream(op, http.StatusOK, errorx.ErrUpstreamUnavailable,
			fmt.Errorf("decode response: %w", err))
	}
	return f, nil
}

// get performs one call; a rejected access token triggers one refresh and
// exactly one retry
func (c *Client) get(ctx context.Context, op, path string) ([]byte, Freshness, error) {
	c.mu.Lock()
	token := c.character.AccessToken
	c.mu.Unlock()

	body, f, err := c.send(ctx, op, path, token)
	if err == nil {
		return body, f, nil
	}
	var upErr *UpstreamTokenError
	if !errors.As(err, &upErr) {
		return nil, Freshness{}, err
	}

	c.f.logger.Debug("access token rejected, refreshing",
		zap.String("op", op),
		zap.Int64("character_id", c.CharacterID()))

	refreshed, rerr := c.f.refresh(ctx, c.rowID(), token)
	if rerr != nil {
		return nil, Freshness{}, rerr
	}
	c.mu.Lock()
	c.character = refreshed
	c.mu.Unlock()

	body, f, err = c.send(ctx, op, path, refreshed.AccessToken)
	if err != nil {
		if errors.As(err, &upErr) {
			return nil, Freshness{}, errorx.Upstream(op, upErr.Status, errorx.ErrCredentialExpired, upErr)
		}
		return nil, Freshness{}, err
	}
	return body, f, nil
}

func (c *Client) rowID() uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.character.ID
}
