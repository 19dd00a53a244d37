package sso

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/internal/storage"
)

type linkerFixture struct {
	db       *database.GormDB
	assets   *storage.DiskStorage
	registry *session.Registry
	images   *httptest.Server
	imageOK  atomic.Bool
	hits     atomic.Int32
}

func newLinkerFixture(t *testing.T, policy string) (*Linker, *linkerFixture) {
	t.Helper()
	ctx := context.Background()
	f := &linkerFixture{}
	f.imageOK.Store(true)

	db, err := database.NewDatabase(ctx, &config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.db = db

	f.assets, err = storage.NewDiskStorage(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	f.registry = session.NewRegistry(zap.NewNop(), session.NewMemoryHub(1))

	f.images = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		assert.Equal(t, "/characters/100/portrait", r.URL.Path)
		assert.Equal(t, "512", r.URL.Query().Get("size"))
		if !f.imageOK.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(f.images.Close)

	cfg := &config.Config{}
	cfg.ESI.ImageBaseURL = f.images.URL + "/"
	cfg.SSO.RelinkPolicy = policy
	return NewLinker(db, f.assets, f.registry, f.images.Client(), cfg, zap.NewNop()), f
}

func testProfile() Profile {
	return Profile{CharacterID: 100, CharacterName: "Alpha", ExpiresOn: time.Now().Add(20 * time.Minute)}
}

func TestLinker_CompleteSSOStoresCredentialsAndPortrait(t *testing.T) {
	l, f := newLinkerFixture(t, config.RelinkInsert)
	ctx := context.Background()

	c, err := l.CompleteSSO(ctx, testProfile(), "at", "rt")
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.Equal(t, "at", c.AccessToken)
	assert.False(t, c.TokenCreated.IsZero())

	rc, err := f.assets.Load(ctx, PortraitName(100))
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, "portraits/100_512.jpg", PortraitName(100))
}

func TestLinker_PortraitFailureIsNotFatal(t *testing.T) {
	l, f := newLinkerFixture(t, config.RelinkInsert)
	f.imageOK.Store(false)

	c, err := l.CompleteSSO(context.Background(), testProfile(), "at", "rt")
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.Equal(t, int32(1), f.hits.Load())

	_, err = f.assets.Load(context.Background(), PortraitName(100))
	assert.Error(t, err)
}

func TestLinker_RelinkPolicies(t *testing.T) {
	ctx := context.Background()

	l, _ := newLinkerFixture(t, config.RelinkInsert)
	first, err := l.CompleteSSO(ctx, testProfile(), "a1", "r1")
	require.NoError(t, err)
	second, err := l.CompleteSSO(ctx, testProfile(), "a2", "r2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	l, f := newLinkerFixture(t, config.RelinkUpdate)
	first, err = l.CompleteSSO(ctx, testProfile(), "a1", "r1")
	require.NoError(t, err)
	second, err = l.CompleteSSO(ctx, testProfile(), "a2", "r2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "a2", second.AccessToken)

	stored, err := f.db.GetCharacter(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "r2", stored.RefreshToken)
}

func TestLinker_AttachLinksAndRequestsRefresh(t *testing.T) {
	l, f := newLinkerFixture(t, config.RelinkInsert)
	ctx := context.Background()

	c, err := l.CompleteSSO(ctx, testProfile(), "at", "rt")
	require.NoError(t, err)
	require.NoError(t, l.Attach(ctx, "session-1", c))
	// attaching twice keeps a single link
	require.NoError(t, l.Attach(ctx, "session-1", c))

	user, err := f.db.FindUserBySession(ctx, "session-1")
	require.NoError(t, err)
	chars, err := f.db.GetUserCharacters(ctx, user.ID, nil)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, int64(100), chars[0].CharacterID)

	assert.True(t, f.registry.GetOrCreate("session-1").State().RefreshRequested)
}
