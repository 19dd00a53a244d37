package esi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[uint]*database.Character
	updates int
}

func newMemStore(c *database.Character) *memStore {
	return &memStore{rows: map[uint]*database.Character{c.ID: c}}
}

func (s *memStore) GetCharacter(_ context.Context, id uint) (*database.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return nil, database.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateCharacterTokens(_ context.Context, id uint, access, refresh string, expiresOn time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return database.ErrRecordNotFound
	}
	c.AccessToken, c.RefreshToken, c.ExpiresOn = access, refresh, expiresOn
	s.updates++
	return nil
}

func (s *memStore) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// fakeESI emulates the upstream API and the SSO token endpoint
type fakeESI struct {
	t        *testing.T
	srv      *httptest.Server
	validTok atomic.Value
	hits     sync.Map // path -> *atomic.Int32
	routes   map[string]http.HandlerFunc
	tokenOK   atomic.Bool
	rejectAll atomic.Bool
	expires   string
}

func newFakeESI(t *testing.T) *fakeESI {
	f := &fakeESI{t: t, routes: map[string]http.HandlerFunc{}}
	f.validTok.Store("old")
	f.tokenOK.Store(true)
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeESI) hit(path string) int {
	v, ok := f.hits.Load(path)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func (f *fakeESI) serve(w http.ResponseWriter, r *http.Request) {
	v, _ := f.hits.LoadOrStore(r.URL.Path, &atomic.Int32{})
	v.(*atomic.Int32).Add(1)

	if r.URL.Path == "/oauth/token" {
		if !f.tokenOK.Load() {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		assert.Equal(f.t, "r1", r.FormValue("refresh_token"))
		f.validTok.Store("new")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new","refresh_token":"r2","token_type":"Bearer","expires_in":1199}`))
		return
	}

	assert.Equal(f.t, "tranquility", r.URL.Query().Get("datasource"))
	if f.rejectAll.Load() {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"authorization not provided"}`))
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.validTok.Load().(string) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"token is expired"}`))
		return
	}
	h, ok := f.routes[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
		return
	}
	if f.expires != "" {
		w.Header().Set("Expires", f.expires)
	}
	w.Header().Set("Cache-Control", "public")
	h(w, r)
}

func (f *fakeESI) json(path, body string) {
	f.routes[path] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeESI) universe() {
	f.json("/v4/universe/systems/30000142/", `{"system_id":30000142,"name":"Jita","security_status":0.9}`)
	f.json("/v1/sovereignty/map/", `[{"system_id":30000001},{"system_id":30000142,"faction_id":500001}]`)
	f.json("/v2/universe/factions/", `[{"faction_id":500001,"name":"Caldari State"},{"faction_id":500002,"name":"Minmatar Republic"}]`)
	f.json("/v2/universe/stations/60003760/", `{"station_id":60003760,"name":"Jita IV - Moon 4"}`)
}

func (f *fakeESI) factory(store CredentialStore, timeout time.Duration) *Factory {
	oauthCfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: f.srv.URL + "/oauth/token", AuthStyle: oauth2.AuthStyleInHeader},
	}
	cfg := config.ESIConfig{
		BaseURL:     f.srv.URL,
		Datasource:  "tranquility",
		UserAgent:   "esilink-test",
		CallTimeout: timeout,
	}
	return NewFactory(cfg, store, NewOAuth2Refresher(oauthCfg, f.srv.Client()), f.srv.Client(), zap.NewNop())
}

func testCharacter() *database.Character {
	return &database.Character{
		ID: 7, CharacterID: 100, CharacterName: "Alpha",
		AccessToken: "old", RefreshToken: "r1", ExpiresOn: time.Now().Add(-time.Minute),
	}
}

func decode(t *testing.T, d *LocationDetail) map[string]json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	out := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestLocationDetail_StationWithoutStructure(t *testing.T) {
	f := newFakeESI(t)
	f.universe()
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142,"station_id":60003760}`)

	c, err := f.factory(newMemStore(testCharacter()), time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	env, err := c.LocationDetail(context.Background(), nil)
	require.NoError(t, err)
	out := decode(t, env.Payload)

	assert.Contains(t, out, "location")
	assert.Contains(t, out, "sov")
	assert.Contains(t, out, "station")
	assert.Contains(t, out, "faction")
	assert.NotContains(t, out, "structure")
	assert.JSONEq(t, `"Jita"`, string(out["name"]))
	assert.JSONEq(t, `{"faction_id":500001,"name":"Caldari State"}`, string(out["faction"]))
	assert.JSONEq(t, `{"system_id":30000142,"faction_id":500001}`, string(out["sov"]))
	assert.Equal(t, "public", env.Freshness.CacheControl)
}

func TestLocationDetail_StructureOnly(t *testing.T) {
	f := newFakeESI(t)
	f.universe()
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142,"structure_id":1022734985679}`)

	c, err := f.factory(newMemStore(testCharacter()), time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	env, err := c.LocationDetail(context.Background(), nil)
	require.NoError(t, err)
	out := decode(t, env.Payload)

	assert.JSONEq(t, `{"structure_id":1022734985679}`, string(out["structure"]))
	assert.NotContains(t, out, "station")
	assert.Equal(t, 0, f.hit("/v2/universe/stations/60003760/"))
}

func TestLocationDetail_NoSovereigntyEntry(t *testing.T) {
	f := newFakeESI(t)
	f.universe()
	f.json("/v1/sovereignty/map/", `[]`)
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142}`)

	c, err := f.factory(newMemStore(testCharacter()), time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	env, err := c.LocationDetail(context.Background(), nil)
	require.NoError(t, err)
	out := decode(t, env.Payload)
	assert.JSONEq(t, `{"system_id":30000142}`, string(out["sov"]))
	assert.NotContains(t, out, "faction")
	assert.Equal(t, 0, f.hit("/v2/universe/factions/"))
}

func TestLocationDetail_DependentFailureAbortsComposite(t *testing.T) {
	f := newFakeESI(t)
	f.universe()
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142,"station_id":60003760}`)
	f.routes["/v2/universe/stations/60003760/"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad gateway"}`))
	}

	c, err := f.factory(newMemStore(testCharacter()), time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	env, err := c.LocationDetail(context.Background(), nil)
	assert.Nil(t, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, errorx.ErrUpstreamUnavailable)

	var upErr *errorx.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "station_info", upErr.Op)
	assert.Equal(t, http.StatusBadGateway, upErr.Status)
}

func TestLocationDetail_ReusesFreshSubResources(t *testing.T) {
	f := newFakeESI(t)
	f.universe()
	f.expires = time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142,"station_id":60003760}`)

	c, err := f.factory(newMemStore(testCharacter()), time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	cache := newMapCache()
	for i := 0; i < 3; i++ {
		_, err := c.LocationDetail(context.Background(), cache)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, f.hit("/v2/characters/100/location/"))
	assert.Equal(t, 1, f.hit("/v4/universe/systems/30000142/"))
	assert.Equal(t, 1, f.hit("/v1/sovereignty/map/"))
	assert.Equal(t, 1, f.hit("/v2/universe/factions/"))
	assert.Equal(t, 1, f.hit("/v2/universe/stations/60003760/"))
}

func TestLocationDetail_RefetchesExpiredSubResources(t *testing.T) {
	f := newFakeESI(t)
	f.universe()
	f.expires = time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142}`)

	c, err := f.factory(newMemStore(testCharacter()), time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	cache := newMapCache()
	for i := 0; i < 2; i++ {
		_, err := c.LocationDetail(context.Background(), cache)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.hit("/v4/universe/systems/30000142/"))
}

func TestClient_RefreshesExpiredTokenOnce(t *testing.T) {
	f := newFakeESI(t)
	f.validTok.Store("fresh-only")
	f.json("/v3/characters/100/online/", `{"online":true,"logins":12}`)
	store := newMemStore(testCharacter())

	c, err := f.factory(store, time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	env, err := c.OnlineStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, env.Payload.Online)
	require.NotNil(t, env.Payload.Logins)
	assert.Equal(t, 12, *env.Payload.Logins)

	assert.Equal(t, 1, store.Updates())
	assert.Equal(t, 1, f.hit("/oauth/token"))
	assert.Equal(t, 2, f.hit("/v3/characters/100/online/"))

	stored, err := store.GetCharacter(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "new", stored.AccessToken)
	assert.Equal(t, "r2", stored.RefreshToken)
	assert.True(t, stored.ExpiresOn.After(time.Now()))

	// later calls on the same client use the new token directly
	_, err = c.OnlineStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.hit("/oauth/token"))
}

func TestClient_ConcurrentExpiredCallsShareOneRefresh(t *testing.T) {
	f := newFakeESI(t)
	f.validTok.Store("fresh-only")
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142}`)
	store := newMemStore(testCharacter())
	factory := f.factory(store, time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := factory.ForCharacter(context.Background(), 7)
			if err != nil {
				errs <- err
				return
			}
			_, err = c.Location(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, f.hit("/oauth/token"))
	assert.Equal(t, 1, store.Updates())
}

func TestClient_SecondRejectionIsCredentialExpired(t *testing.T) {
	f := newFakeESI(t)
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142}`)
	f.rejectAll.Store(true)
	store := newMemStore(testCharacter())

	c, err := f.factory(store, time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	_, err = c.Location(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errorx.ErrCredentialExpired)
	assert.Equal(t, 1, store.Updates())
	assert.Equal(t, 2, f.hit("/v2/characters/100/location/"))
}

func TestClient_RefreshFailureIsCredentialExpired(t *testing.T) {
	f := newFakeESI(t)
	f.validTok.Store("fresh-only")
	f.tokenOK.Store(false)
	f.json("/v2/characters/100/location/", `{"solar_system_id":30000142}`)
	store := newMemStore(testCharacter())

	c, err := f.factory(store, time.Second).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	_, err = c.Location(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errorx.ErrCredentialExpired)
	assert.Equal(t, 0, store.Updates())
	assert.Equal(t, 1, f.hit("/v2/characters/100/location/"))
}

func TestClient_UpstreamFailures(t *testing.T) {
	f := newFakeESI(t)
	f.routes["/v2/characters/100/location/"] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	}
	f.routes["/v3/characters/100/online/"] = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	store := newMemStore(testCharacter())

	c, err := f.factory(store, 50*time.Millisecond).ForCharacter(context.Background(), 7)
	require.NoError(t, err)

	_, err = c.Location(context.Background())
	assert.ErrorIs(t, err, errorx.ErrUpstreamUnavailable)
	assert.NotContains(t, errorx.ToAPIError(err).Message, "maintenance")

	_, err = c.OnlineStatus(context.Background())
	assert.ErrorIs(t, err, errorx.ErrUpstreamUnavailable)

	_, err = c.StationInfo(context.Background(), 1)
	assert.ErrorIs(t, err, errorx.ErrNotFound)

	_, err = c.FactionInfo(context.Background(), 1)
	assert.ErrorIs(t, err, errorx.ErrNotFound)
	assert.Equal(t, 0, store.Updates())
}

func TestFactory_UnknownCharacter(t *testing.T) {
	f := newFakeESI(t)
	_, err := f.factory(newMemStore(testCharacter()), time.Second).ForCharacter(context.Background(), 99)
	assert.ErrorIs(t, err, errorx.ErrNotFound)
}

func TestFactory_Endpoint(t *testing.T) {
	f := NewFactory(config.ESIConfig{BaseURL: "https://esi.example/", Datasource: "tranquility"}, nil, nil, nil, zap.NewNop())
	assert.Equal(t, "https://esi.example/v1/x/?datasource=tranquility", f.endpoint("/v1/x/"))
}

func TestTokenRejected(t *testing.T) {
	assert.True(t, tokenRejected(http.StatusUnauthorized, nil))
	assert.True(t, tokenRejected(http.StatusForbidden, []byte(`{"error":"token is expired"}`)))
	assert.False(t, tokenRejected(http.StatusForbidden, []byte(`{"error":"Token not valid for scope"}`)))
	assert.False(t, tokenRejected(http.StatusInternalServerError, nil))
}

// mapCache is a plain ResourceCache for tests
type mapCache struct {
	mu      sync.Mutex
	entries map[string]struct {
		raw json.RawMessage
		f   Freshness
	}
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]struct {
		raw json.RawMessage
		f   Freshness
	}{}}
}

func (m *mapCache) Lookup(key string, now time.Time) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.f.IsFresh(now) {
		return nil, false
	}
	return e.raw, true
}

func (m *mapCache) Store(key string, payload json.RawMessage, f Freshness) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = struct {
		raw json.RawMessage
		f   Freshness
	}{payload, f}
}

