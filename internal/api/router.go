package api

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"facegate/config"
	"facegate/internal/api/handlers"
	"facegate/internal/api/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

// NewRouter baut die gin-Engine mit allen Middlewares und Routen
func NewRouter(cfg config.ServerConfig, translator *middleware.Translator, h *handlers.APIHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	secret := cfg.SessionSecret
	if secret == "" {
		secret = "facegate-session"
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 365 * 24 * 3600, HttpOnly: true})
	router.Use(sessions.Sessions("facegate", store))
	router.Use(middleware.I18n(translator))
	router.Use(middleware.BodyLimit(int64(cfg.MaxBodyMB) << 20))

	h.RegisterRoutes(router)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s %s does not exist", c.Request.Method, c.Request.URL.Path)})
	})
	return router
}

// corsConfig erlaubt alle Ursprünge, wenn "*" konfiguriert ist
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Accept-Language"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
