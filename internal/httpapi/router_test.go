package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/auth"
	"github.com/suPer8Hu/tomodachi-api/internal/chat"
	"github.com/suPer8Hu/tomodachi-api/internal/db/dbtest"
	"github.com/suPer8Hu/tomodachi-api/internal/elevenlabs"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/handlers"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
	"github.com/suPer8Hu/tomodachi-api/internal/realtime"
	"github.com/suPer8Hu/tomodachi-api/internal/users"
)

const testSecret = "test-secret"

type stubPlatform struct{}

func (stubPlatform) CreateAgent(ctx context.Context, in elevenlabs.AgentRequest) (string, error) {
	return "remote_" + strings.ToLower(in.Name), nil
}
func (stubPlatform) GetAgent(ctx context.Context, id string) (elevenlabs.AgentDetails, error) {
	return elevenlabs.AgentDetails{"agent_id": id}, nil
}
func (stubPlatform) UpdateAgent(ctx context.Context, id string, in elevenlabs.AgentRequest) (elevenlabs.AgentDetails, error) {
	return elevenlabs.AgentDetails{"agent_id": id}, nil
}
func (stubPlatform) DeleteAgent(ctx context.Context, id string) error { return nil }
func (stubPlatform) AddKnowledge(ctx context.Context, agentID, sourceURL string, file *elevenlabs.FilePart) (string, error) {
	return "kb", nil
}
func (stubPlatform) UploadAvatar(ctx context.Context, agentID string, file elevenlabs.FilePart) (string, error) {
	return "https://cdn/avatar.png", nil
}

type stubVoices struct{}

func (stubVoices) ListVoices(ctx context.Context) ([]elevenlabs.Voice, error) {
	return []elevenlabs.Voice{{VoiceID: "v1"}, {VoiceID: "v2"}, {VoiceID: "v3"}}, nil
}
func (stubVoices) GetVoice(ctx context.Context, id string) (*elevenlabs.Voice, error) {
	return &elevenlabs.Voice{VoiceID: id, Name: "Rachel"}, nil
}
func (stubVoices) TextToSpeech(ctx context.Context, voiceID, text string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("mp3:" + voiceID + ":" + text)), nil
}

type stubProducer struct{ err error }

func (p *stubProducer) Enqueue(ctx context.Context, name string, payload any, opts queue.Options) (string, error) {
	return opts.JobID, p.err
}

type nopEvents struct{}

func (nopEvents) PublishMessage(ctx context.Context, userID string, msg any) error { return nil }
func (nopEvents) PublishStatus(ctx context.Context, userID, agentID, status string) error {
	return nil
}

type testServer struct {
	router   *gin.Engine
	agents   *agent.Repo
	producer *stubProducer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := dbtest.Open(t, &users.User{}, &agent.Agent{}, &chat.Message{}, &chat.JobRecord{})

	ur := users.NewRepo(db)
	ar := agent.NewRepo(db)
	producer := &stubProducer{}
	h := &handlers.Handler{
		Users:     users.NewService(ur, testSecret, time.Hour, 24*time.Hour, 100),
		Agents:    agent.NewService(db, ar, ur, stubPlatform{}, nopEvents{}, 10),
		AgentRepo: ar,
		Chat:      chat.NewService(db, chat.NewRepo(db), ar, producer, nopEvents{}, queue.DefaultOptions(), nil),
		Voices:    stubVoices{},
	}
	r := NewRouter(h, Options{JWTSecret: testSecret, CORSOrigins: []string{"*"}, Hub: realtime.NewHub()})
	return &testServer{router: r, agents: ar, producer: producer}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

// signup creates a user through the API and returns its id and access token.
func (s *testServer) signup(t *testing.T, email string) (string, string) {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/auth/signup", "", gin.H{"email": email, "first_name": "Kei", "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var u users.User
	require.NoError(t, json.Unmarshal(env.Data, &u))

	w, env = s.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": email, "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tokens users.Tokens
	require.NoError(t, json.Unmarshal(env.Data, &tokens))
	return u.ID, tokens.AccessToken
}

func TestPingAndNotFound(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, env = s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, env.Code)
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)
	s.signup(t, "kei@example.com")

	w, _ := s.do(t, http.MethodPost, "/auth/signup", "", gin.H{"email": "kei@example.com", "first_name": "K", "password": "password123"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": "kei@example.com", "password": "bad-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodPost, "/auth/signup", "", gin.H{"email": "not-an-email", "first_name": "K", "password": "password123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, env := s.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": "kei@example.com", "password": "password123"})
	var tokens users.Tokens
	require.NoError(t, json.Unmarshal(env.Data, &tokens))

	w, env = s.do(t, http.MethodPost, "/auth/refresh", "", gin.H{"refresh_token": tokens.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	var refreshed users.Tokens
	require.NoError(t, json.Unmarshal(env.Data, &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)

	// a refresh token is not an access token
	w, _ = s.do(t, http.MethodGet, "/v1/agents", tokens.RefreshToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUserAccessRules(t *testing.T) {
	s := newTestServer(t)
	aliceID, alice := s.signup(t, "alice@example.com")
	bobID, _ := s.signup(t, "bob@example.com")

	w, _ := s.do(t, http.MethodGet, "/v1/users/"+aliceID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodGet, "/v1/users/"+aliceID, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/v1/users/"+bobID, alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(t, http.MethodGet, "/v1/users", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, err := auth.SignJWT("admin", "admin@example.com", string(users.RoleAdmin), auth.TokenAccess, testSecret, time.Hour)
	require.NoError(t, err)
	w, env := s.do(t, http.MethodGet, "/v1/users?limit=1", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items      []users.User `json:"items"`
		TotalPages int          `json:"total_pages"`
		Total      int64        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Len(t, page.Items, 1)
	assert.EqualValues(t, 2, page.Total)
	assert.Equal(t, 2, page.TotalPages)

	w, env = s.do(t, http.MethodPost, "/v1/users/"+bobID+"/credits/add", admin, gin.H{"credits": 5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"previous_credits":100,"new_credits":105}`, string(env.Data))

	w, _ = s.do(t, http.MethodPatch, "/v1/users/"+aliceID, alice, gin.H{"first_name": "Alicia"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMessageRoutes(t *testing.T) {
	s := newTestServer(t)
	userID, token := s.signup(t, "kei@example.com")
	require.NoError(t, s.agents.Create(context.Background(), &agent.Agent{
		ID: "a1", UserID: userID, Name: "Tomo", Language: "en", Role: agent.RoleFriend, VoiceID: "voice_9",
	}))

	w, env := s.do(t, http.MethodPost, "/v1/agents/a1/messages", token, gin.H{"body": "Hi"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var msg chat.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "Hi", msg.Body)
	assert.Equal(t, chat.SenderUser, msg.Sender)

	w, _ = s.do(t, http.MethodPost, "/v1/agents/a1/messages", token, gin.H{"body": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, http.MethodPost, "/v1/agents/a1/messages", token, gin.H{"body": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/v1/agents/other/messages", token, gin.H{"body": "hello"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = s.do(t, http.MethodGet, "/v1/agents/a1/messages?order=desc", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"body":"Hi"`)

	w, env = s.do(t, http.MethodPatch, "/v1/agents/a1/messages/"+msg.ID+"/read", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"status":"READ"`)

	w, _ = s.do(t, http.MethodPost, "/v1/agents/a1/reset", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	s.producer.err = errors.New("broker down")
	w, env = s.do(t, http.MethodPost, "/v1/agents/a1/messages", token, gin.H{"body": "third"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 50301, env.Code)

	w, _ = s.do(t, http.MethodDelete, "/v1/agents/a1/messages/"+msg.ID, token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodGet, "/v1/agents/a1/messages/"+msg.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentCreateChargesCredits(t *testing.T) {
	s := newTestServer(t)
	userID, token := s.signup(t, "kei@example.com")

	w, env := s.do(t, http.MethodPost, "/v1/agents", token, gin.H{
		"name": "Mika",
		"conversation_config": gin.H{
			"agent": gin.H{"prompt": gin.H{"prompt": "You are Mika"}, "first_message": "Hey!"},
			"tts":   gin.H{"voice_id": "voice_1"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, string(env.Data), `"id":"remote_mika"`)

	_, env = s.do(t, http.MethodGet, "/v1/users/"+userID, token, nil)
	assert.Contains(t, string(env.Data), `"credits":90`)

	w, _ = s.do(t, http.MethodPost, "/v1/agents", token, gin.H{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVoiceRoutes(t *testing.T) {
	s := newTestServer(t)
	userID, token := s.signup(t, "kei@example.com")
	require.NoError(t, s.agents.Create(context.Background(), &agent.Agent{
		ID: "a1", UserID: userID, Name: "Tomo", Language: "en", Role: agent.RoleFriend, VoiceID: "voice_9",
	}))

	w, env := s.do(t, http.MethodGet, "/v1/voices?page=2&limit=2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"items":[{"voice_id":"v3","name":""}],"current_page":2,"total_pages":2,"total":3}`, string(env.Data))

	w, _ = s.do(t, http.MethodPost, "/v1/tts", token, gin.H{"text": "hello", "agent_id": "a1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "mp3:voice_9:hello", w.Body.String())

	w, _ = s.do(t, http.MethodPost, "/v1/tts", token, gin.H{"text": "hello", "agent_id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = s.do(t, http.MethodPost, "/v1/prompt-templates", token, gin.H{"name": "Mika", "role": "friend"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "Mika")

	w, _ = s.do(t, http.MethodPost, "/v1/prompt-templates", token, gin.H{"name": "Mika", "role": "assistant"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebsocketRequiresToken(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40101, env.Code)
}
