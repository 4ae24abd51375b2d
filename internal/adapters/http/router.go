package http

import (
	"context"
	"net/http"

	"github.com/dkeye/liveshare/internal/adapters/signal"
	"github.com/dkeye/liveshare/internal/config"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/dkeye/liveshare/internal/sequencer"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	sessionName    = "LiveshareSessions"
	clientTokenKey = "client_token"
	clientTokenTTL = 3600 * 24 * 7
	defaultSecret  = "liveshare-dev-secret"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable client token kept in the
// cookie session. The token is the user id of the websocket member.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			s.Options(sessions.Options{Path: "/", MaxAge: clientTokenTTL, HttpOnly: true})
			if err := s.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// SetupRouter builds the HTTP surface: session listing, the websocket
// endpoint of every session and the metrics of gatherer.
func SetupRouter(ctx context.Context, cfg *config.Config, manager *sequencer.Manager, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
		}))
	}

	secret := cfg.Secret
	if secret == "" {
		log.Warn().Str("module", "adapters.http").Msg("no session secret configured, using development secret")
		secret = defaultSecret
	}
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	ctrl := signal.NewController(manager, signal.NewRateLimiter(cfg.RateLimit, cfg.RateBurst))
	ctrl.ReadLimit = cfg.ReadLimit
	ctrl.PingPeriod = cfg.PingPeriod
	ctrl.SendBuffer = cfg.SendBuffer

	api := r.Group("/api")

	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, manager.List())
	})
	api.GET("/sessions/:session/members", func(c *gin.Context) {
		seq, ok := manager.Get(domain.SessionID(c.Param("session")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, seq.MembersSnapshot())
	})
	api.DELETE("/sessions/:session", func(c *gin.Context) {
		id := domain.SessionID(c.Param("session"))
		if _, ok := manager.Get(id); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		manager.Stop(id)
		c.Status(http.StatusNoContent)
	})
	api.GET("/ws/:session", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("session", c.Param("session")).Str("token", c.GetString(clientTokenKey)).Msg("ws endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Int("origins", len(cfg.AllowedOrigins)).Msg("router setup")
	return r
}
