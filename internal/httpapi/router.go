package httpapi

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/auth"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/handlers"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/middleware"
	"github.com/suPer8Hu/tomodachi-api/internal/realtime"
)

type Options struct {
	JWTSecret   string
	CORSOrigins []string
	Hub         *realtime.Hub
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

func NewRouter(h *handlers.Handler, opts Options) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(corsMiddleware(opts.CORSOrigins))

	r.GET("/ping", h.Ping)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	if opts.Hub != nil {
		r.GET("/ws", realtime.Handler(opts.Hub, verifier(opts.JWTSecret), originHosts(opts.CORSOrigins)))
	}

	// auth
	a := r.Group("/auth")
	a.POST("/signup", h.Signup)
	a.POST("/login", h.Login)
	a.POST("/refresh", h.Refresh)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthRequired(opts.JWTSecret))

	// users
	v1.GET("/users", middleware.AdminOnly(), h.ListUsers)
	u := v1.Group("/users/:id")
	u.Use(middleware.SelfOrAdmin("id"))
	u.GET("", h.GetUser)
	u.PATCH("", h.UpdateUser)
	u.DELETE("", h.DeleteUser)
	u.POST("/credits/add", h.AddCredits)

	// agents
	v1.POST("/agents", h.CreateAgent)
	v1.GET("/agents", h.ListAgents)
	v1.GET("/agents/:id", h.GetAgent)
	v1.PATCH("/agents/:id", h.UpdateAgent)
	v1.DELETE("/agents/:id", h.DeleteAgent)
	v1.POST("/agents/:id/knowledge", h.AddKnowledge)
	v1.POST("/agents/:id/avatar", h.UploadAvatar)
	v1.POST("/agents/:id/reset", h.ResetAgent)

	// messages
	v1.GET("/agents/:id/messages", h.ListMessages)
	v1.POST("/agents/:id/messages", h.SendMessage)
	v1.DELETE("/agents/:id/messages", h.ClearMessages)
	v1.GET("/agents/:id/messages/:messageId", h.GetMessage)
	v1.DELETE("/agents/:id/messages/:messageId", h.DeleteMessage)
	v1.PATCH("/agents/:id/messages/:messageId/read", h.MarkMessageRead)

	// voice
	v1.POST("/tts", h.TextToSpeech)
	v1.GET("/voices", h.ListVoices)
	v1.GET("/voices/:id", h.GetVoice)
	v1.POST("/prompt-templates", h.PromptTemplate)

	return r
}

func verifier(secret string) realtime.TokenVerifier {
	return func(token string) (string, error) {
		claims, err := auth.ParseJWT(token, secret, auth.TokenAccess)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// originHosts turns CORS origins into websocket origin patterns, which match
// on host only.
func originHosts(origins []string) []string {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
