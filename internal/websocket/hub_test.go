package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/moment/internal/model"
)

func TestHubDeliversToJobSubscribersOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	watcher := &Client{JobID: "J1", Send: make(chan []byte, 4)}
	other := &Client{JobID: "J2", Send: make(chan []byte, 4)}
	hub.Register(watcher)
	hub.Register(other)
	require.Eventually(t, func() bool { return hub.Subscribers("J1") == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastStatus("J1", model.JobStatusRendering, "mark_rendering")

	select {
	case data := <-watcher.Send:
		var msg model.WSStatusMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, model.WSMessageTypeStatus, msg.Type)
		assert.Equal(t, model.JobStatusRendering, msg.Status)
		assert.Equal(t, "mark_rendering", msg.Stage)
	case <-time.After(time.Second):
		t.Fatal("status message not delivered")
	}
	assert.Empty(t, other.Send)

	hub.Unregister(watcher)
	require.Eventually(t, func() bool { return hub.Subscribers("J1") == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-watcher.Send
	assert.False(t, open)
}

func TestHubDropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	slow := &Client{JobID: "J1", Send: make(chan []byte)}
	hub.Register(slow)
	require.Eventually(t, func() bool { return hub.Subscribers("J1") == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastComplete("J1", "https://cdn/final.mp3")
	require.Eventually(t, func() bool { return hub.Subscribers("J1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestMessageShapes(t *testing.T) {
	data, err := json.Marshal(CompleteMessage("J1", "https://cdn/final.mp3"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"complete","jobId":"J1","finalAudioUrl":"https://cdn/final.mp3"}`, string(data))

	data, err = json.Marshal(ErrorMessage("J1", "MIX_FAILED", "tool rejected"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","jobId":"J1","error":{"code":"MIX_FAILED","message":"tool rejected"}}`, string(data))
}
