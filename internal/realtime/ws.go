package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tomodachi-api/internal/common"
)

// TokenVerifier resolves an access token to a user id.
type TokenVerifier func(token string) (userID string, err error)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler upgrades GET /ws?token=<jwt> and streams the user's chat and status
// topics. The user id always comes from the verified token.
func Handler(hub *Hub, verify TokenVerifier, originPatterns []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		userID, err := verify(strings.TrimSpace(token))
		if err != nil || userID == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "invalid token")
			return
		}

		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			slog.Warn("websocket accept failed", "user_id", userID, "err", err)
			return
		}
		defer conn.CloseNow()

		sub := hub.Subscribe(ChatTopic(userID), StatusTopic(userID))
		defer sub.Close()

		// clients only listen; CloseRead handles their control frames
		ctx := conn.CloseRead(c.Request.Context())
		slog.Info("websocket connected", "user_id", userID)

		err = pump(ctx, conn, sub)
		if errors.Is(err, errSlowSubscriber) {
			slog.Warn("websocket subscriber too slow", "user_id", userID)
			_ = conn.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
			return
		}
		if err != nil && ctx.Err() == nil {
			slog.Debug("websocket write error", "user_id", userID, "err", err)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("websocket disconnected", "user_id", userID)
	}
}

var errSlowSubscriber = errors.New("realtime: subscriber too slow")

func pump(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.C():
			if !ok {
				if sub.Slow() {
					return errSlowSubscriber
				}
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
