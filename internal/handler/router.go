package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/amoylab/esilink/internal/common/config"
	"github.com/amoylab/esilink/internal/common/errorx"
	"github.com/amoylab/esilink/internal/database"
	"github.com/amoylab/esilink/pkg/metrics"
	"github.com/amoylab/esilink/pkg/version"
)

// RouterOptions are the parts the HTTP surface is assembled from
type RouterOptions struct {
	Config  *config.Config
	EVE     *EVE
	Live    *Live
	DB      database.Database
	Metrics *metrics.Metrics
	Errors  *errorx.ErrorHandler
}

// NewRouter builds the gin engine with middleware and all routes registered
func NewRouter(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(opts.Errors.RecoveryMiddleware())
	r.Use(otelgin.Middleware(opts.Config.Tracing.ServiceName))
	r.Use(opts.Metrics.Middleware())
	r.Use(corsMiddleware(opts.Config.Server.CORSOrigin))

	r.GET("/health", handleHealth(opts.DB))
	if h := opts.Metrics.Handler(); h != nil {
		r.GET("/metrics", gin.WrapH(h))
	}

	api := r.Group("/", SessionMiddleware(opts.Config.Server))
	eve := opts.EVE
	api.GET("/api/eve/login", eve.HandleLogin)
	api.GET("/api/eve/verify", eve.HandleVerify)
	api.GET("/api/eve/login-error", eve.HandleLoginError)
	api.GET("/api/eve/verify-error", eve.HandleVerifyError)

	api.GET("/api/eve/characters", eve.HandleGetCharacters)
	api.DELETE("/api/eve/eve_characters/:character_id", eve.HandleDeleteCharacter)
	api.GET("/api/eve/eve_characters/:character_id/location", eve.HandleGetLocation)
	api.GET("/api/eve/eve_characters/:character_id/status", eve.HandleGetStatus)

	api.POST("/api/eve/active_character", eve.HandleSetActiveCharacter)
	api.DELETE("/api/eve/active_character", eve.HandleClearActiveCharacter)
	api.GET("/api/eve/active_character", eve.HandleGetActiveCharacter)

	api.GET("/api/eve/stations", eve.HandleSearchStations)
	api.GET("/api/eve/regions", eve.HandleSearchRegions)
	api.GET("/api/eve/systems", eve.HandleSearchSystems)

	api.GET("/ws/live", opts.Live.HandleLive)
	return r
}

func handleHealth(db database.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "version": version.Get()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
	}
}
