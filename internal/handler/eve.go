package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/esilink/internal/auth"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/internal/esi"
	"github.com/amoylab/esilink/internal/session"
	"github.com/amoylab/esilink/internal/sso"
	"github.com/amoylab/esilink/internal/tick"
)

const (
	loginErrorPath  = "/api/eve/login-error"
	verifyErrorPath = "/api/eve/verify-error"
)

// verifiedPage tells the opener window to reload its character list
const verifiedPage = `<html><body><script>
    var ev = new CustomEvent('refresh-eve-characters', {
        detail: {
            hash: window.location.hash
        }
    });
    if (window.opener) {
        window.opener.document.dispatchEvent(ev);
    }
</script></body></html>`

// EVE serves the character, login and reference data routes
type EVE struct {
	db       database.Database
	guard    *auth.Guard
	registry *session.Registry
	engine   *tick.Engine
	gateway  *esi.Factory
	provider *sso.Provider
	states   *sso.StateSigner
	linker   *sso.Linker
	errors   *errorx.ErrorHandler
	logger   *zap.Logger
}

// EVEDeps are the collaborators of the EVE handler
type EVEDeps struct {
	DB       database.Database
	Guard    *auth.Guard
	Registry *session.Registry
	Engine   *tick.Engine
	Gateway  *esi.Factory
	Provider *sso.Provider
	States   *sso.StateSigner
	Linker   *sso.Linker
	Errors   *errorx.ErrorHandler
}

func NewEVE(deps EVEDeps, logger *zap.Logger) *EVE {
	return &EVE{
		db:       deps.DB,
		guard:    deps.Guard,
		registry: deps.Registry,
		engine:   deps.Engine,
		gateway:  deps.Gateway,
		provider: deps.Provider,
		states:   deps.States,
		linker:   deps.Linker,
		errors:   deps.Errors,
		logger:   logger.Named("handler.eve"),
	}
}

// HandleLogin redirects the browser to the SSO with a state bound to the session
func (h *EVE) HandleLogin(c *gin.Context) {
	state, err := h.states.Sign(SessionID(c))
	if err != nil {
		h.logger.Error("failed to sign login state", zap.Error(err))
		c.Redirect(http.StatusFound, loginErrorPath)
		return
	}
	c.Redirect(http.StatusFound, h.provider.AuthCodeURL(state))
}

// HandleVerify completes the SSO callback and links the character to the session
func (h *EVE) HandleVerify(c *gin.Context) {
	sessionID := SessionID(c)
	code := c.Query("code")
	if code == "" {
		h.logger.Warn("sso callback without code", zap.String("remote_addr", c.ClientIP()))
		c.Redirect(http.StatusFound, verifyErrorPath)
		return
	}

	stateSession, err := h.states.Verify(c.Query("state"))
	if err != nil {
		h.logger.Warn("rejected sso state", zap.String("remote_addr", c.ClientIP()), zap.Error(err))
		c.Redirect(http.StatusFound, verifyErrorPath)
		return
	}
	if stateSession != sessionID {
		h.logger.Warn("sso state issued for another session", zap.String("remote_addr", c.ClientIP()))
		c.Redirect(http.StatusFound, verifyErrorPath)
		return
	}

	ctx := c.Request.Context()
	grant, err := h.provider.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("sso code exchange failed", zap.Error(err))
		c.Redirect(http.StatusFound, verifyErrorPath)
		return
	}
	character, err := h.linker.CompleteSSO(ctx, grant.Profile, grant.AccessToken, grant.RefreshToken)
	if err != nil {
		h.logger.Error("failed to store sso credentials", zap.Error(err))
		c.Redirect(http.StatusFound, verifyErrorPath)
		return
	}
	if err := h.linker.Attach(ctx, sessionID, character); err != nil {
		h.logger.Error("failed to link character", zap.Error(err))
		c.Redirect(http.StatusFound, verifyErrorPath)
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(verifiedPage))
}

func (h *EVE) HandleLoginError(c *gin.Context) {
	c.String(http.StatusInternalServerError, "Error logging in via EVE SSO")
}

func (h *EVE) HandleVerifyError(c *gin.Context) {
	c.String(http.StatusInternalServerError, "Error validating EVE SSO")
}

// HandleGetCharacters lists the characters of the session's user. The user is
// created on first visit.
func (h *EVE) HandleGetCharacters(c *gin.Context) {
	ctx := c.Request.Context()
	user, created, err := h.db.FindOrCreateUser(ctx, SessionID(c))
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	if created {
		h.logger.Info("created user for session", zap.Uint("user_id", user.ID))
		c.JSON(http.StatusOK, gin.H{"characters": []database.CharacterSummary{}})
		return
	}

	characters, err := h.db.GetUserCharacters(ctx, user.ID, nil)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	out := make([]database.CharacterSummary, 0, len(characters))
	for _, ch := range characters {
		out = append(out, ch.Summary())
	}
	c.JSON(http.StatusOK, gin.H{"characters": out})
}

// HandleDeleteCharacter removes an owned character record
func (h *EVE) HandleDeleteCharacter(c *gin.Context) {
	character, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.db.DestroyCharacter(c.Request.Context(), character.ID); err != nil {
		h.errors.HandleError(c, err)
		return
	}
	h.registry.Mutate(SessionID(c), func(s *session.State) {
		s.RefreshRequested = true
	})
	h.logger.Info("deleted character", zap.Int64("character_id", character.CharacterID))
	c.String(http.StatusOK, "ok")
}

// HandleGetLocation returns the enriched location of an owned character
func (h *EVE) HandleGetLocation(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}

	var cache esi.ResourceCache
	if rec, found := h.registry.Lookup(SessionID(c)); found {
		cache = rec.Resources()
	}
	env, err := client.LocationDetail(c.Request.Context(), cache)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	env.Freshness.Apply(c.Writer.Header())
	c.JSON(http.StatusOK, env.Payload)
}

// HandleGetStatus returns the online status of an owned character
func (h *EVE) HandleGetStatus(c *gin.Context) {
	client, ok := h.client(c)
	if !ok {
		return
	}
	env, err := client.OnlineStatus(c.Request.Context())
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	env.Freshness.Apply(c.Writer.Header())
	c.JSON(http.StatusOK, env.Payload)
}

type activeCharacterRequest struct {
	CharacterID int64 `json:"character_id"`
}

// HandleSetActiveCharacter selects the character the live loop follows
func (h *EVE) HandleSetActiveCharacter(c *gin.Context) {
	var req activeCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CharacterID == 0 {
		h.errors.HandleError(c, fmt.Errorf("missing character_id: %w", errorx.ErrInvalidInput))
		return
	}

	ctx := c.Request.Context()
	sessionID := SessionID(c)
	character, err := h.guard.AssertOwned(ctx, sessionID, req.CharacterID)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	user, err := h.guard.User(ctx, sessionID)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	user.ActiveCharacterID = &req.CharacterID
	if err := h.db.SaveUser(ctx, user); err != nil {
		h.errors.HandleError(c, err)
		return
	}

	h.registry.Mutate(sessionID, func(s *session.State) {
		id := req.CharacterID
		s.ActiveCharacterID = &id
		s.RefreshRequested = true
	})
	h.engine.Start(sessionID)
	h.logger.Info("selected active character",
		zap.Uint("user_id", user.ID),
		zap.Int64("character_id", character.CharacterID))
	c.String(http.StatusOK, "ok")
}

// HandleClearActiveCharacter unselects the active character and stops the live loop
func (h *EVE) HandleClearActiveCharacter(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := SessionID(c)
	user, err := h.guard.User(ctx, sessionID)
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	user.ActiveCharacterID = nil
	if err := h.db.SaveUser(ctx, user); err != nil {
		h.errors.HandleError(c, err)
		return
	}

	h.registry.Mutate(sessionID, func(s *session.State) {
		s.ActiveCharacterID = nil
		s.ActiveCharacter = nil
		s.RefreshRequested = true
	})
	h.engine.Stop(sessionID)
	c.String(http.StatusOK, "ok")
}

// HandleGetActiveCharacter returns the active character summary
func (h *EVE) HandleGetActiveCharacter(c *gin.Context) {
	_, character, err := h.guard.ActiveCharacter(c.Request.Context(), SessionID(c))
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, character.Summary())
}

func (h *EVE) HandleSearchStations(c *gin.Context) {
	stations, err := h.db.SearchStations(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stations": stations})
}

func (h *EVE) HandleSearchRegions(c *gin.Context) {
	regions, err := h.db.SearchRegions(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"regions": regions})
}

func (h *EVE) HandleSearchSystems(c *gin.Context) {
	systems, err := h.db.SearchSystems(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.errors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"systems": systems})
}

// owned resolves the :character_id route parameter to a record owned by the
// session's user. It writes the error response itself.
func (h *EVE) owned(c *gin.Context) (*database.Character, bool) {
	characterID, err := strconv.ParseInt(c.Param("character_id"), 10, 64)
	if err != nil {
		h.errors.HandleError(c, fmt.Errorf("character id %q: %w", c.Param("character_id"), errorx.ErrInvalidInput))
		return nil, false
	}
	character, err := h.guard.AssertOwned(c.Request.Context(), SessionID(c), characterID)
	if err != nil {
		h.errors.HandleError(c, err)
		return nil, false
	}
	return character, true
}

func (h *EVE) client(c *gin.Context) (*esi.Client, bool) {
	character, ok := h.owned(c)
	if !ok {
		return nil, false
	}
	client, err := h.gateway.ForCharacter(c.Request.Context(), character.ID)
	if err != nil {
		if errors.Is(err, errorx.ErrNotFound) {
			h.logger.Warn("owned character disappeared", zap.Int64("character_id", character.CharacterID))
		}
		h.errors.HandleError(c, err)
		return nil, false
	}
	return client, true
}
