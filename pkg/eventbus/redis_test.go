package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func remoteMessage(t *testing.T, prefix string, event Event) *redis.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return &redis.Message{Channel: prefix + event.ChannelID, Payload: string(payload)}
}

func TestRedisBridge_PublishDeliversLocallyAndQueues(t *testing.T) {
	local := newTestBus(0)
	defer local.Close()
	bridge := NewRedisBridge(local, nil, "ff:", "node-a", zap.NewNop())

	sub := local.Subscribe("wf-1")
	defer sub.Close()

	bridge.Publish("wf-1", StepStarted{WorkflowID: "wf-1", StepID: "a"})

	ev := receive(t, sub)
	assert.Equal(t, EventStepStarted, ev.Type)
	assert.Empty(t, ev.Origin)

	select {
	case queued := <-bridge.outbound:
		assert.Equal(t, "node-a", queued.Origin)
		assert.Equal(t, "wf-1", queued.ChannelID)
	default:
		t.Fatal("event was not queued for mirroring")
	}
}

func TestRedisBridge_ReceiveSkipsOwnEvents(t *testing.T) {
	local := newTestBus(0)
	defer local.Close()
	bridge := NewRedisBridge(local, nil, "ff:", "node-a", zap.NewNop())

	sub := local.Subscribe("session-1")
	defer sub.Close()

	own := NewEvent("session-1", RelayChunk{MessageID: "m1", Content: "mine"})
	own.Origin = "node-a"
	bridge.receive(remoteMessage(t, "ff:", own))

	remote := NewEvent("session-1", RelayChunk{MessageID: "m1", Content: "theirs"})
	remote.Origin = "node-b"
	bridge.receive(remoteMessage(t, "ff:", remote))

	ev := receive(t, sub)
	assert.Equal(t, "theirs", ev.Payload.(RelayChunk).Content)
	assert.Equal(t, "node-b", ev.Origin)

	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRedisBridge_ReceiveDiscardsBadMessages(t *testing.T) {
	local := newTestBus(0)
	defer local.Close()
	bridge := NewRedisBridge(local, nil, "ff:", "node-a", zap.NewNop())

	sub := local.Subscribe("wf-1")
	defer sub.Close()

	bridge.receive(&redis.Message{Channel: "ff:wf-1", Payload: "{not json"})

	mismatched := NewEvent("wf-2", StepStarted{WorkflowID: "wf-2"})
	mismatched.Origin = "node-b"
	msg := remoteMessage(t, "ff:", mismatched)
	msg.Channel = "ff:wf-1"
	bridge.receive(msg)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}
