package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/fpmatch/internal/api/handlers"
	"github.com/your-org/fpmatch/internal/api/ws"
	"github.com/your-org/fpmatch/internal/auth"
	"github.com/your-org/fpmatch/internal/lock"
	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/storage"
)

type RouterConfig struct {
	APIKey    string
	JWTSecret string
	Engine    *matcher.Engine
	Store     storage.Backend
	// Optional collaborators; nil disables the feature.
	Locker        lock.Locker
	Archive       handlers.Archiver
	ArchiveProbes bool
	Publisher     handlers.Publisher
	Hub           *ws.Hub
	// Checks feed /readyz in addition to the store ping.
	Checks map[string]handlers.Check
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	checks := map[string]handlers.Check{"store": cfg.Store.Ping}
	for name, check := range cfg.Checks {
		checks[name] = check
	}
	systemH := handlers.NewSystemHandler(checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(cfg.APIKey, cfg.JWTSecret))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	fpH := handlers.NewFingerprintHandler(cfg.Engine, cfg.Locker, cfg.Archive, cfg.Publisher)
	fpH.ArchiveProbes = cfg.ArchiveProbes
	v1.POST("/fingerprints", fpH.Register)
	v1.GET("/fingerprints", fpH.List)
	v1.POST("/fingerprints/match", fpH.Match)
	v1.GET("/fingerprints/:id", fpH.Get)
	v1.GET("/fingerprints/:id/hex", fpH.Hex)
	v1.POST("/similarity", fpH.Similarity)

	attH := handlers.NewAttendanceHandler(cfg.Store)
	v1.GET("/attendance", attH.List)

	return r
}
