package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/arcsync/arcsync/internal/server/auth"
	"github.com/arcsync/arcsync/internal/server/handlers/api"
	"github.com/arcsync/arcsync/internal/server/handlers/endpoints"
	"github.com/arcsync/arcsync/internal/server/handlers/syncapi"
	"github.com/arcsync/arcsync/internal/server/middlewares"
	"github.com/arcsync/arcsync/internal/version"
)

func SetupRoutes(config *Config, svc *Services, syncH *syncapi.SyncHandler) (http.Handler, error) {
	r := gin.New()

	endpointsH := endpoints.New(svc.Archive)

	r.Use(middlewares.Logger())
	r.Use(gin.Recovery())
	r.Use(middlewares.GZIP())
	if config.TLS() {
		r.Use(middlewares.SecureHeaders())
	}

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler(svc.Archive.Root()))

	rate := config.HTTP.RateLimit
	if rate == "" {
		rate = DefaultRateLimit
	}
	limit, err := middlewares.RateLimiter(rate)
	if err != nil {
		return nil, err
	}

	v1 := r.Group("/api/v1")
	{
		sync := v1.Group("/sync")
		sync.Use(limit, middlewares.JWTAuth(svc.Auth, auth.RoleSource))
		sync.POST("", syncH.Sync)
		sync.GET("/ws", syncH.SyncWS)

		eps := v1.Group("/endpoints")
		eps.Use(middlewares.CORS(config.HTTP.CORSOrigins))
		eps.Use(middlewares.JWTAuth(svc.Auth, auth.RoleAdmin))
		eps.GET("", endpointsH.List)
		eps.POST("", endpointsH.Create)
		eps.GET("/:name", endpointsH.Info)
		eps.POST("/:name/verify", endpointsH.Verify)
		eps.POST("/:name/release", endpointsH.Release)
	}

	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		api.Respond(c, http.StatusNotFound, api.CodeNotFound, "no route for "+c.Request.URL.Path)
	})
	r.NoMethod(func(c *gin.Context) {
		api.Respond(c, http.StatusMethodNotAllowed, api.CodeMethodNotAllowed, c.Request.Method+" not allowed")
	})

	return r.Handler(), nil
}

// IndexHandler reports the build serving the archive.
func IndexHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, version.Get())
}

// HealthHandler reports liveness plus the disk usage of the archive volume.
// A failed disk probe degrades the status but still answers 200.
func HealthHandler(root string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		usage, err := disk.UsageWithContext(ctx.Request.Context(), root)
		if err != nil {
			slog.Warn("disk usage probe failed", "root", root, "error", err)
			ctx.PureJSON(http.StatusOK, gin.H{
				"status": "degraded",
			})
			return
		}
		ctx.PureJSON(http.StatusOK, gin.H{
			"status": "ok",
			"disk": gin.H{
				"total":       usage.Total,
				"free":        usage.Free,
				"usedPercent": usage.UsedPercent,
			},
		})
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
