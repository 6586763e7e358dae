package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory Transport driven by the test acting as the
// client.
type pipeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (t *pipeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *pipeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case t.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return errors.New("transport closed")
	}
}

func (t *pipeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// clientSend injects an inbound message as if the client had sent it.
func (t *pipeTransport) clientSend(data string) {
	t.in <- []byte(data)
}

// clientRecv waits for the next outbound frame.
func (t *pipeTransport) clientRecv(tb testing.TB, timeout time.Duration) Frame {
	tb.Helper()
	select {
	case data := <-t.out:
		var frame Frame
		require.NoError(tb, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(timeout):
		tb.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

// clientRecvType reads frames until one of the wanted type arrives.
func (t *pipeTransport) clientRecvType(tb testing.TB, want FrameType, timeout time.Duration) Frame {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame := t.clientRecv(tb, time.Until(deadline))
		if frame.Type == want {
			return frame
		}
	}
	tb.Fatalf("never received frame of type %s", want)
	return Frame{}
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour // keep the monitor quiet unless the test wants it
	}
	hub := NewHub(cfg, zerolog.Nop())
	NewHandler(hub, zerolog.Nop())
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub
}

func connectClient(t *testing.T, hub *Hub, clientID string) *pipeTransport {
	t.Helper()
	transport := newPipeTransport()
	_, err := hub.Connect(transport, clientID, "")
	require.NoError(t, err)

	ack := transport.clientRecvType(t, FrameConnectionAck, time.Second)
	require.Equal(t, clientID, ack.ClientID)
	require.NotEmpty(t, ack.Timestamp)
	return transport
}

func TestHub_ConnectSendsAck(t *testing.T) {
	hub := newTestHub(t, Config{})
	connectClient(t, hub, "client_001")

	stats := hub.Stats()
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Contains(t, stats.Connections, "client_001")
}

func TestHub_DuplicateClientIDRejected(t *testing.T) {
	hub := newTestHub(t, Config{})
	connectClient(t, hub, "client_001")

	_, err := hub.Connect(newPipeTransport(), "client_001", "")
	assert.Error(t, err)
	assert.Equal(t, 1, hub.Stats().TotalConnections)
}

func TestHub_SubscribeUnsubscribeInvariant(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	transport.clientSend(`{"type":"subscribe","topic":"stock.AAPL.1m"}`)
	ack := transport.clientRecvType(t, FrameSubscribeAck, time.Second)
	assert.Equal(t, "stock.AAPL.1m", ack.Topic)

	// topic ∈ session.subscriptions ⇔ session ∈ subscribers(topic)
	assert.Contains(t, hub.TopicSubscribers("stock.AAPL.1m"), "client_001")
	stats := hub.Stats()
	assert.Contains(t, stats.Connections["client_001"].Subscriptions, "stock.AAPL.1m")

	transport.clientSend(`{"type":"unsubscribe","topic":"stock.AAPL.1m"}`)
	transport.clientRecvType(t, FrameUnsubscribeAck, time.Second)

	assert.Empty(t, hub.TopicSubscribers("stock.AAPL.1m"))
	assert.Empty(t, hub.Stats().Connections["client_001"].Subscriptions)
	// The topic index entry disappears with its last subscriber.
	assert.Equal(t, 0, hub.Stats().TopicsCount)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub(t, Config{})

	transports := make([]*pipeTransport, 3)
	for i, id := range []string{"sub_0", "sub_1", "sub_2"} {
		transports[i] = connectClient(t, hub, id)
		transports[i].clientSend(`{"type":"subscribe","topic":"stock.AAPL.1m"}`)
		transports[i].clientRecvType(t, FrameSubscribeAck, time.Second)
	}

	sent := hub.BroadcastToTopic("stock.AAPL.1m", map[string]interface{}{"price": 150.25})
	assert.Equal(t, 3, sent)

	for _, transport := range transports {
		frame := transport.clientRecvType(t, FrameData, time.Second)
		assert.Equal(t, "stock.AAPL.1m", frame.Topic)
		assert.NotEmpty(t, frame.Timestamp)

		var payload map[string]float64
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Equal(t, 150.25, payload["price"])
	}
}

func TestHub_BroadcastCountMatchesSubscribers(t *testing.T) {
	hub := newTestHub(t, Config{})
	connectClient(t, hub, "loner")

	// Nobody subscribed: count is zero.
	assert.Equal(t, 0, hub.BroadcastToTopic("stock.TSLA.1m", map[string]int{"v": 1}))

	require.NoError(t, hub.Subscribe("loner", "stock.TSLA.1m"))
	assert.Equal(t, 1, hub.BroadcastToTopic("stock.TSLA.1m", map[string]int{"v": 2}))
}

func TestHub_SendToClient(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	ok := hub.SendToClient("client_001", map[string]string{"hello": "world"})
	assert.True(t, ok)

	frame := transport.clientRecvType(t, FrameData, time.Second)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "world", payload["hello"])

	assert.False(t, hub.SendToClient("nonexistent", map[string]string{}))
}

func TestHub_DisconnectRemovesSubscriptions(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	topics := []string{"stock.AAPL.1m", "stock.GOOG.1m", "crypto.BTC.1m"}
	for _, topic := range topics {
		transport.clientSend(`{"type":"subscribe","topic":"` + topic + `"}`)
		transport.clientRecvType(t, FrameSubscribeAck, time.Second)
	}

	hub.Disconnect("client_001")

	for _, topic := range topics {
		assert.NotContains(t, hub.TopicSubscribers(topic), "client_001")
	}
	assert.Equal(t, 0, hub.Stats().TotalConnections)
	assert.False(t, hub.SendToClient("client_001", map[string]int{}))

	// Idempotent.
	hub.Disconnect("client_001")
}

func TestHub_ProtocolErrorPreservesSession(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	transport.clientSend(`not json`)
	frame := transport.clientRecvType(t, FrameError, time.Second)
	assert.Equal(t, ErrCodeInvalidJSON, frame.ErrorCode)

	// The session survives and a valid subscribe still works.
	transport.clientSend(`{"type":"subscribe","topic":"stock.AAPL.1m"}`)
	ack := transport.clientRecvType(t, FrameSubscribeAck, time.Second)
	assert.Equal(t, "stock.AAPL.1m", ack.Topic)
	assert.Equal(t, 1, hub.Stats().TotalConnections)
}

func TestHub_UnknownMessageType(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	transport.clientSend(`{"type":"teleport"}`)
	frame := transport.clientRecvType(t, FrameError, time.Second)
	assert.Equal(t, ErrCodeUnknownMessageType, frame.ErrorCode)
}

func TestHub_InvalidTopic(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	transport.clientSend(`{"type":"subscribe"}`)
	frame := transport.clientRecvType(t, FrameError, time.Second)
	assert.Equal(t, ErrCodeInvalidTopic, frame.ErrorCode)
}

func TestHub_PingPong(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	transport.clientSend(`{"type":"ping"}`)
	frame := transport.clientRecvType(t, FramePong, time.Second)
	assert.NotEmpty(t, frame.Timestamp)
}

func TestHub_GetStats(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	transport.clientSend(`{"type":"get_stats"}`)
	frame := transport.clientRecvType(t, FrameStats, time.Second)
	assert.NotNil(t, frame.Stats)
}

func TestHub_HeartbeatReap(t *testing.T) {
	hub := newTestHub(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  60 * time.Millisecond,
	})
	connectClient(t, hub, "silent")

	// The client never answers pings with pongs, so one monitor tick past
	// the timeout must reap it.
	require.Eventually(t, func() bool {
		return hub.Stats().TotalConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_HeartbeatKeepsRespondingSessions(t *testing.T) {
	hub := newTestHub(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	})
	transport := connectClient(t, hub, "alive")

	// Answer pings for a while; the session must survive several timeouts.
	done := time.After(300 * time.Millisecond)
	for {
		select {
		case <-done:
			assert.Equal(t, 1, hub.Stats().TotalConnections)
			return
		case data := <-transport.out:
			var frame Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			if frame.Type == FramePing {
				transport.clientSend(`{"type":"pong"}`)
			}
		}
	}
}

func TestHub_CleanupInactive(t *testing.T) {
	hub := newTestHub(t, Config{IdleThreshold: 30 * time.Millisecond})
	connectClient(t, hub, "idle")
	active := connectClient(t, hub, "active")

	time.Sleep(60 * time.Millisecond)
	active.clientSend(`{"type":"ping"}`)
	active.clientRecvType(t, FramePong, time.Second)

	reaped := hub.CleanupInactive()

	assert.Equal(t, 1, reaped)
	stats := hub.Stats()
	assert.NotContains(t, stats.Connections, "idle")
	assert.Contains(t, stats.Connections, "active")
}

func TestHub_TransportErrorTearsSessionDown(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")

	_ = transport.Close()

	require.Eventually(t, func() bool {
		return hub.Stats().TotalConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_OutboundOrderPreserved(t *testing.T) {
	hub := newTestHub(t, Config{})
	transport := connectClient(t, hub, "client_001")
	require.NoError(t, hub.Subscribe("client_001", "seq"))
	transport.clientRecvType(t, FrameSubscribeAck, time.Second)

	for i := 0; i < 20; i++ {
		hub.BroadcastToTopic("seq", map[string]int{"seq": i})
	}

	for i := 0; i < 20; i++ {
		frame := transport.clientRecvType(t, FrameData, time.Second)
		var payload map[string]int
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Equal(t, i, payload["seq"])
	}
}

func TestSendQueue_DropsOldestNonControl(t *testing.T) {
	q := newSendQueue(3)

	require.NoError(t, q.push(outboundItem{data: []byte("d0")}))
	require.NoError(t, q.push(outboundItem{data: []byte("d1")}))
	require.NoError(t, q.push(outboundItem{data: []byte("d2")}))
	require.NoError(t, q.push(outboundItem{data: []byte("d3")}))

	assert.Equal(t, uint64(1), q.droppedCount())

	item, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "d1", string(item.data), "oldest data frame was dropped")
}

func TestSendQueue_ControlFramesNeverDropped(t *testing.T) {
	q := newSendQueue(2)

	require.NoError(t, q.push(outboundItem{data: []byte("d0")}))
	require.NoError(t, q.push(outboundItem{data: []byte("d1")}))
	require.NoError(t, q.push(outboundItem{data: []byte("c0"), control: true}))
	require.NoError(t, q.push(outboundItem{data: []byte("c1"), control: true}))
	require.NoError(t, q.push(outboundItem{data: []byte("c2"), control: true}))

	// Both data frames paid for control admissions; every control frame
	// survives in order.
	var got []string
	q.close()
	for {
		item, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, string(item.data))
	}
	assert.Equal(t, []string{"c0", "c1", "c2"}, got)
}

func TestSendQueue_ClosedRejectsPush(t *testing.T) {
	q := newSendQueue(2)
	q.close()

	err := q.push(outboundItem{data: []byte("d0")})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
