package middlewares

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// the sync routes carry binary envelopes and a websocket upgrade
var excludedPaths = []string{
	"/healthz",
	"/api/v1/sync",
}

func GZIP() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.BestSpeed,
		gzip.WithExcludedPaths(excludedPaths),
	)
}
