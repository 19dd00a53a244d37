package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/auth"
	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/internal/esi"
	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/internal/sso"
	"github.com/amoylab/esilink/internal/storage"
	"github.com/amoylab/esilink/internal/tick"
)

const testCookie = "esilink.sid"

// fixture wires the full HTTP surface against one fake server that plays
// the SSO, the game API and the image service
type fixture struct {
	t            *testing.T
	cfg          *config.Config
	db           *database.GormDB
	registry     *session.Registry
	engine       *tick.Engine
	router       *gin.Engine
	upstream     *httptest.Server
	failLocation atomic.Bool
	locationHits atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{t: t}
	f.upstream = httptest.NewServer(http.HandlerFunc(f.serveUpstream))
	t.Cleanup(f.upstream.Close)

	cfg := &config.Config{}
	cfg.Server.CookieName = testCookie
	cfg.Server.CORSOrigin = "http://frontend.test"
	cfg.ESI = config.ESIConfig{
		BaseURL:      f.upstream.URL,
		Datasource:   "tranquility",
		UserAgent:    "esilink-test",
		CallTimeout:  time.Second,
		ImageBaseURL: f.upstream.URL,
	}
	cfg.SSO = config.SSOConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		CallbackURL:  "http://localhost/api/eve/verify",
		AuthorizeURL: f.upstream.URL + "/oauth/authorize",
		TokenURL:     f.upstream.URL + "/oauth/token",
		VerifyURL:    f.upstream.URL + "/oauth/verify",
		Scopes:       []string{"esi-location.read_location.v1"},
		StateSecret:  "a-state-secret-that-is-long-enough-for-hs256",
		StateTTL:     time.Minute,
		RelinkPolicy: config.RelinkInsert,
	}
	cfg.Tick = config.TickConfig{
		MinInterval:     10 * time.Millisecond,
		DefaultInterval: 10 * time.Millisecond,
		FailureBackoff:  10 * time.Millisecond,
		MaxBackoff:      50 * time.Millisecond,
	}
	cfg.Tracing.ServiceName = "esilink-test"
	f.cfg = cfg

	ctx := context.Background()
	db, err := database.NewDatabase(ctx, &config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.db = db

	logger := zap.NewNop()
	client := f.upstream.Client()
	oauthCfg := sso.NewOAuth2Config(cfg.SSO)

	f.registry = session.NewRegistry(logger, session.NewMemoryHub(16))
	guard := auth.NewGuard(db, logger)
	gateway := esi.NewFactory(cfg.ESI, db, esi.NewOAuth2Refresher(oauthCfg, client), client, logger)
	f.engine = tick.NewEngine(f.registry, guard, tick.NewGatewayFetcher(gateway), cfg.Tick, logger)
	t.Cleanup(f.engine.StopAll)

	states, err := sso.NewStateSigner(cfg.SSO.StateSecret, cfg.SSO.StateTTL)
	require.NoError(t, err)
	assets, err := storage.NewDiskStorage(logger, t.TempDir())
	require.NoError(t, err)
	errs := errorx.NewErrorHandler(logger)

	eve := NewEVE(EVEDeps{
		DB:       db,
		Guard:    guard,
		Registry: f.registry,
		Engine:   f.engine,
		Gateway:  gateway,
		Provider: sso.NewProvider(oauthCfg, cfg.SSO.VerifyURL, client, logger),
		States:   states,
		Linker:   sso.NewLinker(db, assets, f.registry, client, cfg, logger),
		Errors:   errs,
	}, logger)

	f.router = NewRouter(RouterOptions{
		Config: cfg,
		EVE:    eve,
		Live:   NewLive(f.registry, f.engine, guard, nil, cfg.Server.CORSOrigin, logger),
		DB:     db,
		Errors: errs,
	})
	return f
}

func (f *fixture) serveUpstream(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/oauth/token":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token","refresh_token":"refresh","token_type":"Bearer","expires_in":1199}`))
		return
	case "/oauth/verify":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"CharacterID":100,"CharacterName":"Alpha","ExpiresOn":"2030-07-05T14:34:16"}`))
		return
	case "/characters/100/portrait":
		_, _ = w.Write([]byte("jpeg"))
		return
	}

	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"token is expired"}`))
		return
	}
	body := ""
	switch r.URL.Path {
	case "/v2/characters/100/location/":
		f.locationHits.Add(1)
		if f.failLocation.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body = `{"solar_system_id":30000142,"station_id":60003760}`
	case "/v3/characters/100/online/":
		body = `{"online":true}`
	case "/v4/universe/systems/30000142/":
		body = `{"system_id":30000142,"name":"Jita"}`
	case "/v1/sovereignty/map/":
		body = `[{"system_id":30000142,"faction_id":500001}]`
	case "/v2/universe/factions/":
		body = `[{"faction_id":500001,"name":"Caldari State"}]`
	case "/v2/universe/stations/60003760/":
		body = `{"station_id":60003760,"name":"Jita IV - Moon 4"}`
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Expires", time.Now().Add(time.Second).UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "public")
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	_, _ = w.Write([]byte(body))
}

// do sends a request as sessionID; an empty sessionID sends no cookie
func (f *fixture) do(method, path, sessionID, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: testCookie, Value: sessionID})
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// link creates a user for sessionID owning a character with a valid token
func (f *fixture) link(sessionID string, characterID int64) (*database.User, *database.Character) {
	f.t.Helper()
	ctx := context.Background()
	user, _, err := f.db.FindOrCreateUser(ctx, sessionID)
	require.NoError(f.t, err)
	c := &database.Character{
		CharacterID:   characterID,
		CharacterName: "Alpha",
		AccessToken:   "token",
		RefreshToken:  "refresh",
		ExpiresOn:     time.Now().Add(20 * time.Minute),
	}
	require.NoError(f.t, f.db.CreateCharacter(ctx, c))
	require.NoError(f.t, f.db.AddUserCharacter(ctx, user.ID, c.ID))
	return user, c
}

func newSessionID() string {
	return uuid.NewString()
}

func seedReference(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.UpsertRegions(ctx, []*database.EveRegion{
		{ID: 10000002, Name: "The Forge"},
		{ID: 10000043, Name: "Domain"},
	}))
	require.NoError(t, f.db.UpsertSystems(ctx, []*database.EveSystem{
		{ID: 30000142, Name: "Jita", RegionID: 10000002, SecurityStatus: 0.95},
		{ID: 30002187, Name: "Amarr", RegionID: 10000043, SecurityStatus: 1},
	}))
	require.NoError(t, f.db.UpsertStations(ctx, []*database.EveStation{
		{ID: 60003760, Name: "Jita IV - Moon 4", SystemID: 30000142, RegionID: 10000002},
		{ID: 60008494, Name: "Amarr VIII (Oris)", SystemID: 30002187, RegionID: 10000043},
	}))
}
