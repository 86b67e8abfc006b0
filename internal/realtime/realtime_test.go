package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *Subscription) []byte {
	t.Helper()
	select {
	case f := <-s.C():
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func TestHub_TopicIsolation(t *testing.T) {
	hub := NewHub()
	u1 := hub.Subscribe(ChatTopic("u1"), StatusTopic("u1"))
	u2 := hub.Subscribe(ChatTopic("u2"))
	defer u1.Close()
	defer u2.Close()

	require.NoError(t, hub.Broadcast(context.Background(), ChatTopic("u1"), []byte("hello")))
	assert.Equal(t, "hello", string(recv(t, u1)))
	select {
	case f := <-u2.C():
		t.Fatalf("u2 got %q", f)
	default:
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestHub_NoReplayAfterPublish(t *testing.T) {
	hub := NewHub()
	require.NoError(t, hub.Broadcast(context.Background(), "t", []byte("early")))

	s := hub.Subscribe("t")
	defer s.Close()
	select {
	case f := <-s.C():
		t.Fatalf("late subscriber got %q", f)
	default:
	}
}

func TestHub_SlowSubscriberIsClosed(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe("agent-status-u1")
	defer slow.Close()
	fast := hub.Subscribe("agent-status-u1")
	defer fast.Close()

	ctx := context.Background()
	for i := 0; i < subscriberBuffer; i++ {
		require.NoError(t, hub.Broadcast(ctx, "agent-status-u1", []byte("f")))
		recv(t, fast)
	}

	done := make(chan struct{})
	go func() {
		_ = hub.Broadcast(ctx, "agent-status-u1", []byte(`{"status":"IDLE"}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}

	assert.True(t, slow.Slow())
	assert.Equal(t, 1, hub.Subscribers())
	assert.Equal(t, `{"status":"IDLE"}`, string(recv(t, fast)))

	// buffered frames drain, then the channel reports closed
	n := 0
	for range slow.C() {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	assert.False(t, fast.Slow())
}

func TestPump_SlowSubscriberEndsWithError(t *testing.T) {
	hub := NewHub()
	s := hub.Subscribe("t")
	s.slow.Store(true)
	s.Close()

	err := pump(context.Background(), nil, s)
	assert.ErrorIs(t, err, errSlowSubscriber)

	clean := hub.Subscribe("t")
	clean.Close()
	assert.NoError(t, pump(context.Background(), nil, clean))
}

func TestHub_ConcurrentSubscribeClosePublish(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := hub.Subscribe("t")
			s.Close()
			s.Close()
		}()
		go func() {
			defer wg.Done()
			_ = hub.Broadcast(context.Background(), "t", []byte("x"))
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

type countingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *countingObserver) EventPublished(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func TestPublisher_EventShapes(t *testing.T) {
	hub := NewHub()
	obs := &countingObserver{}
	pub := NewPublisher(hub, obs)
	s := hub.Subscribe(ChatTopic("u1"), StatusTopic("u1"))
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, pub.PublishStatus(ctx, "u1", "a1", "PROCESSING"))
	assert.JSONEq(t, `{"eventName":"agent-status","agentId":"a1","status":"PROCESSING"}`, string(recv(t, s)))

	require.NoError(t, pub.PublishMessage(ctx, "u1", map[string]string{"id": "m1", "body": "hi"}))
	var ev struct {
		EventName string          `json:"eventName"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(recv(t, s), &ev))
	assert.Equal(t, "chat-messages", ev.EventName)
	assert.JSONEq(t, `{"id":"m1","body":"hi"}`, string(ev.Data))

	assert.Equal(t, []string{EventAgentStatus, EventChatMessages}, obs.events)
}

func TestWebSocketHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	verify := func(token string) (string, error) {
		if token == "good" {
			return "u1", nil
		}
		return "", errors.New("bad token")
	}
	r := gin.New()
	r.GET("/ws", Handler(hub, verify, []string{"*"}))
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.Dial(ctx, wsURL+"?token=bad", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 401, resp.StatusCode)
	}

	conn, _, err := websocket.Dial(ctx, wsURL+"?token=good", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	pub := NewPublisher(hub, nil)
	require.NoError(t, pub.PublishStatus(ctx, "u2", "a9", "IDLE"))
	require.NoError(t, pub.PublishStatus(ctx, "u1", "a1", "IDLE"))

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"eventName":"agent-status","agentId":"a1","status":"IDLE"}`, string(data))

	_ = conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
