package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/directory"
	"github.com/agentwire/agentwire-go/secure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records publishes and lets tests inject inbound
// payloads by hand.
type fakeTransport struct {
	mu         sync.Mutex
	published  []publishCall
	handlers   map[string]InboundHandler
	connected  bool
	publishErr error
}

type publishCall struct {
	channel string
	payload []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]InboundHandler), connected: true}
}

func (f *fakeTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishCall{channel: channel, payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string, handler InboundHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, channel)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) calls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishCall, len(f.published))
	copy(out, f.published)
	return out
}

func requestEnvelope(t *testing.T, from, to, method string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(from, to, &contracts.Request{Method: method})
	require.NoError(t, err)
	return env
}

func responseFor(t *testing.T, req *contracts.Envelope, result string) []byte {
	t.Helper()
	env, err := contracts.NewEnvelope(req.To, req.From, &contracts.Response{
		Status: contracts.StatusSuccess,
		Result: json.RawMessage(result),
	})
	require.NoError(t, err)
	env.CorrelationID = req.CorrelationID
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func assertProtocolCode(t *testing.T, err error, code contracts.ErrorCode) *contracts.ProtocolError {
	t.Helper()
	require.Error(t, err)
	var perr *contracts.ProtocolError
	require.True(t, errors.As(err, &perr), "expected ProtocolError, got %T: %v", err, err)
	assert.Equal(t, code, perr.Code)
	return perr
}

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("fills identity fields and publishes direct", func(t *testing.T) {
		transport := newFakeTransport()
		h := NewHandler("agent-a", transport, directory.NewInMemoryStore())

		env := &contracts.Envelope{Kind: contracts.KindNotification}
		require.NoError(t, env.SetBody(&contracts.Notification{Event: "tick", Data: json.RawMessage(`{}`)}))
		require.NoError(t, h.SendMessage(ctx, env, Route{To: "agent-b"}))

		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "agent-a", env.From)
		assert.Equal(t, "agent-b", env.To)
		assert.Equal(t, contracts.ProtocolVersion, env.Version)

		calls := transport.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "agents.agent-b", calls[0].channel)

		var sent contracts.Envelope
		require.NoError(t, json.Unmarshal(calls[0].payload, &sent))
		assert.Equal(t, env.ID, sent.ID)
	})

	t.Run("rejects invalid envelope", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		env := &contracts.Envelope{Kind: "smoke-signal", Payload: json.RawMessage(`{}`)}
		err := h.SendMessage(ctx, env, Route{To: "agent-b"})
		assertProtocolCode(t, err, contracts.ErrCodeInvalidMessage)
	})

	t.Run("rejects expired envelope before dispatch", func(t *testing.T) {
		transport := newFakeTransport()
		h := NewHandler("agent-a", transport, directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		env.Timestamp = time.Now().UTC().Add(-time.Minute)
		env.TTLSeconds = 1
		err := h.SendMessage(ctx, env, Route{To: "agent-b"})
		assertProtocolCode(t, err, contracts.ErrCodeInvalidMessage)
		assert.Empty(t, transport.calls())
	})

	t.Run("encrypts when a session is given", func(t *testing.T) {
		transport := newFakeTransport()
		h := NewHandler("agent-a", transport, directory.NewInMemoryStore())
		neg, err := h.NegotiateProtocol("agent-b", contracts.ProtocolVersion, secure.Capabilities{Encryption: true})
		require.NoError(t, err)

		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		require.NoError(t, h.SendMessage(ctx, env, Route{To: "agent-b"}, WithSession(neg.SessionID)))

		calls := transport.calls()
		require.Len(t, calls, 1)
		frame, ok := secure.DecodeFrame(calls[0].payload)
		require.True(t, ok, "expected an encrypted frame on the wire")
		assert.Equal(t, neg.SessionID, frame.SessionID)

		back, err := h.SecureChannel().Decrypt(frame, neg.SessionID)
		require.NoError(t, err)
		assert.Equal(t, env.ID, back.ID)
	})

	t.Run("unknown session fails NOT_FOUND", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		err := h.SendMessage(ctx, env, Route{To: "agent-b"}, WithSession("sess-ghost"))
		assertProtocolCode(t, err, contracts.ErrCodeNotFound)
	})

	t.Run("transport failure surfaces as INTERNAL_ERROR", func(t *testing.T) {
		transport := newFakeTransport()
		transport.publishErr = errors.New("broker gone")
		h := NewHandler("agent-a", transport, directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		err := h.SendMessage(ctx, env, Route{To: "agent-b"})
		assertProtocolCode(t, err, contracts.ErrCodeInternal)
	})
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("sixth send in window fails RATE_LIMITED", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithRateLimit(5, time.Second))
		for i := 0; i < 5; i++ {
			env := requestEnvelope(t, "agent-a", "agent-b", "ping")
			require.NoError(t, h.SendMessage(ctx, env, Route{To: "agent-b"}))
		}
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		err := h.SendMessage(ctx, env, Route{To: "agent-b"})
		assertProtocolCode(t, err, contracts.ErrCodeRateLimited)
	})

	t.Run("invalid envelopes do not consume the window", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithRateLimit(1, time.Second))

		bad := requestEnvelope(t, "agent-a", "agent-b", "ping")
		bad.Priority = "urgent"
		err := h.SendMessage(ctx, bad, Route{To: "agent-b"})
		assertProtocolCode(t, err, contracts.ErrCodeInvalidMessage)

		good := requestEnvelope(t, "agent-a", "agent-b", "ping")
		require.NoError(t, h.SendMessage(ctx, good, Route{To: "agent-b"}))
	})

	t.Run("window rollover resets the counter", func(t *testing.T) {
		limiter := newFixedWindowLimiter(5, time.Second)
		current := time.Now()
		limiter.now = func() time.Time { return current }

		for i := 0; i < 5; i++ {
			assert.True(t, limiter.allow("agent-a"))
		}
		assert.False(t, limiter.allow("agent-a"))

		current = current.Add(time.Second)
		assert.True(t, limiter.allow("agent-a"))
	})

	t.Run("counters are scoped per agent", func(t *testing.T) {
		limiter := newFixedWindowLimiter(1, time.Second)
		assert.True(t, limiter.allow("agent-a"))
		assert.False(t, limiter.allow("agent-a"))
		assert.True(t, limiter.allow("agent-b"))
	})
}

func TestSendRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("times out with TIMEOUT by ~60ms", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		env.Payload = mustBody(t, &contracts.Request{Method: "ping", TimeoutMs: 50})

		start := time.Now()
		_, err := h.SendRequest(ctx, env, Route{To: "agent-b"})
		elapsed := time.Since(start)

		assertProtocolCode(t, err, contracts.ErrCodeTimeout)
		assert.Less(t, elapsed, 150*time.Millisecond)
		assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		assert.Equal(t, 0, h.pending.len())
	})

	t.Run("survives immediate timer expiry", func(t *testing.T) {
		// The timer is armed under the table lock, so a timeout firing
		// the instant the entry exists still races cleanly with
		// registration and cleanup.
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithRateLimit(500, time.Minute))
		for i := 0; i < 200; i++ {
			env := requestEnvelope(t, "agent-a", "agent-b", "ping")
			_, err := h.SendRequest(ctx, env, Route{To: "agent-b"}, WithTimeout(time.Nanosecond))
			assertProtocolCode(t, err, contracts.ErrCodeTimeout)
		}
		assert.Equal(t, 0, h.pending.len())
	})

	t.Run("resolves with the matching response", func(t *testing.T) {
		transport := newFakeTransport()
		h := NewHandler("agent-a", transport, directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		env.CorrelationID = contracts.NewCorrelationID()

		go func() {
			time.Sleep(20 * time.Millisecond)
			h.handleInbound("agents.agent-a", responseFor(t, env, `{"pong":true}`))
		}()

		resp, err := h.SendRequest(ctx, env, Route{To: "agent-b"}, WithTimeout(200*time.Millisecond))
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, env.CorrelationID, resp.CorrelationID)

		body, err := resp.DecodeBody()
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusSuccess, body.(*contracts.Response).Status)
		assert.Equal(t, 0, h.pending.len())
	})

	t.Run("duplicate responses resolve exactly once", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		env.CorrelationID = contracts.NewCorrelationID()

		var dropped atomic.Int32
		h.onEvent = func(e Event) {
			if e.Kind == EventDroppedResponse {
				dropped.Add(1)
			}
		}

		payload := responseFor(t, env, `{"pong":true}`)
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.handleInbound("agents.agent-a", payload)
			h.handleInbound("agents.agent-a", payload)
		}()

		resp, err := h.SendRequest(ctx, env, Route{To: "agent-b"}, WithTimeout(200*time.Millisecond))
		require.NoError(t, err)
		require.NotNil(t, resp)

		// The second response finds no pending entry and is dropped.
		assert.Eventually(t, func() bool { return dropped.Load() == 1 }, time.Second, 10*time.Millisecond)
	})

	t.Run("late response after timeout is dropped", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		env.CorrelationID = contracts.NewCorrelationID()

		var dropped int
		h.onEvent = func(e Event) {
			if e.Kind == EventDroppedResponse {
				dropped++
			}
		}

		_, err := h.SendRequest(ctx, env, Route{To: "agent-b"}, WithTimeout(30*time.Millisecond))
		assertProtocolCode(t, err, contracts.ErrCodeTimeout)

		h.handleInbound("agents.agent-a", responseFor(t, env, `{"pong":true}`))
		assert.Equal(t, 1, dropped)
		assert.Equal(t, 0, h.pending.len())
	})

	t.Run("send failure removes the pending entry", func(t *testing.T) {
		transport := newFakeTransport()
		transport.publishErr = errors.New("broker gone")
		h := NewHandler("agent-a", transport, directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")
		_, err := h.SendRequest(ctx, env, Route{To: "agent-b"}, WithTimeout(time.Second))
		require.Error(t, err)
		assert.Equal(t, 0, h.pending.len())
	})

	t.Run("context cancellation unblocks the caller", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		env := requestEnvelope(t, "agent-a", "agent-b", "ping")

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := h.SendRequest(cctx, env, Route{To: "agent-b"}, WithTimeout(5*time.Second))
		require.Error(t, err)
		assert.Equal(t, 0, h.pending.len())
	})

	t.Run("non-request envelope is rejected", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		env, err := contracts.NewEnvelope("agent-a", "agent-b", &contracts.Notification{Event: "tick", Data: json.RawMessage(`{}`)})
		require.NoError(t, err)
		_, err = h.SendRequest(ctx, env, Route{To: "agent-b"})
		assertProtocolCode(t, err, contracts.ErrCodeInvalidMessage)
	})
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()

	t.Run("start subscribes to own channel", func(t *testing.T) {
		transport := newFakeTransport()
		h := NewHandler("agent-a", transport, directory.NewInMemoryStore())
		require.NoError(t, h.Start(ctx))
		transport.mu.Lock()
		_, subscribed := transport.handlers["agents.agent-a"]
		transport.mu.Unlock()
		assert.True(t, subscribed)

		assert.Error(t, h.Start(ctx), "second start must fail")
	})

	t.Run("stop rejects all pending requests", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		require.NoError(t, h.Start(ctx))

		results := make(chan error, 3)
		for i := 0; i < 3; i++ {
			go func() {
				env := requestEnvelope(t, "agent-a", "agent-b", "ping")
				_, err := h.SendRequest(ctx, env, Route{To: "agent-b"}, WithTimeout(5*time.Second))
				results <- err
			}()
		}
		assert.Eventually(t, func() bool { return h.pending.len() == 3 }, time.Second, 5*time.Millisecond)

		require.NoError(t, h.Stop())
		for i := 0; i < 3; i++ {
			select {
			case err := <-results:
				assertProtocolCode(t, err, contracts.ErrCodeInternal)
			case <-time.After(time.Second):
				t.Fatal("pending request not rejected by stop")
			}
		}
		assert.False(t, h.GetConnectionStatus().Started)
	})
}

func TestInboundPipeline(t *testing.T) {
	t.Run("malformed input is contained", func(t *testing.T) {
		var events []Event
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithEventHook(func(e Event) { events = append(events, e) }))

		h.handleInbound("agents.agent-a", []byte(`{broken`))
		require.Len(t, events, 1)
		assert.Equal(t, EventMalformed, events[0].Kind)
	})

	t.Run("undecryptable frame emits decryption_failed", func(t *testing.T) {
		var events []Event
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithEventHook(func(e Event) { events = append(events, e) }))

		h.handleInbound("agents.agent-a", []byte(`{"iv":"AAAA","data":"AAAA","sessionId":"sess-ghost"}`))
		require.Len(t, events, 1)
		assert.Equal(t, EventDecryptionFailed, events[0].Kind)
	})

	t.Run("expired envelope emits expired", func(t *testing.T) {
		var events []Event
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithEventHook(func(e Event) { events = append(events, e) }))

		env := requestEnvelope(t, "agent-b", "agent-a", "ping")
		env.Timestamp = time.Now().UTC().Add(-time.Minute)
		env.TTLSeconds = 1
		raw, err := json.Marshal(env)
		require.NoError(t, err)

		h.handleInbound("agents.agent-a", raw)
		require.Len(t, events, 1)
		assert.Equal(t, EventExpired, events[0].Kind)
		assert.Equal(t, env.ID, events[0].MessageID)
	})

	t.Run("registered handler receives the envelope", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())

		received := make(chan *contracts.Envelope, 1)
		require.NoError(t, h.RegisterMessageHandler(contracts.KindRequest,
			MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
				received <- env
				return nil
			})))

		env := requestEnvelope(t, "agent-b", "agent-a", "ping")
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		h.handleInbound("agents.agent-a", raw)

		select {
		case got := <-received:
			assert.Equal(t, env.ID, got.ID)
		default:
			t.Fatal("handler not invoked")
		}
	})

	t.Run("handler errors are contained as events", func(t *testing.T) {
		var events []Event
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithEventHook(func(e Event) { events = append(events, e) }))

		require.NoError(t, h.RegisterMessageHandler(contracts.KindEvent,
			MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
				return errors.New("boom")
			})))

		env, err := contracts.NewEnvelope("agent-b", "agent-a", &contracts.Event{
			EventType: "agent.started", Source: "agent-b", Data: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		h.handleInbound("agents.agent-a", raw)

		require.Len(t, events, 1)
		assert.Equal(t, EventHandlerError, events[0].Kind)
	})

	t.Run("encrypted inbound round-trips through the pipeline", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		neg, err := h.NegotiateProtocol("agent-b", contracts.ProtocolVersion, secure.Capabilities{Encryption: true})
		require.NoError(t, err)

		received := make(chan *contracts.Envelope, 1)
		require.NoError(t, h.RegisterMessageHandler(contracts.KindNotification,
			MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error {
				received <- env
				return nil
			})))

		env, err := contracts.NewEnvelope("agent-b", "agent-a", &contracts.Notification{
			Event: "case.opened", Data: json.RawMessage(`{"id":"c1"}`),
		})
		require.NoError(t, err)
		frame, err := h.SecureChannel().Encrypt(env, neg.SessionID)
		require.NoError(t, err)
		raw, err := json.Marshal(frame)
		require.NoError(t, err)

		h.handleInbound("agents.agent-a", raw)
		select {
		case got := <-received:
			assert.Equal(t, env.ID, got.ID)
		default:
			t.Fatal("handler not invoked")
		}
	})

	t.Run("unregister restores default behavior", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		require.NoError(t, h.RegisterMessageHandler(contracts.KindRequest,
			MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) error { return nil })))
		h.UnregisterMessageHandler(contracts.KindRequest)

		assert.Error(t, h.RegisterMessageHandler("smoke-signal", nil))
	})
}

func TestNegotiationTable(t *testing.T) {
	t.Run("stores and returns negotiation", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		neg, err := h.NegotiateProtocol("agent-b", contracts.ProtocolVersion, secure.Capabilities{Encryption: true})
		require.NoError(t, err)

		got, ok := h.GetProtocolNegotiation("agent-b")
		require.True(t, ok)
		assert.Equal(t, neg.SessionID, got.SessionID)
	})

	t.Run("invalid version is rejected", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		_, err := h.NegotiateProtocol("agent-b", "0.1.0", secure.Capabilities{})
		assertProtocolCode(t, err, contracts.ErrCodeInvalidVersion)
	})

	t.Run("expired records are evicted on read", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithNegotiationTTL(10*time.Millisecond))
		_, err := h.NegotiateProtocol("agent-b", contracts.ProtocolVersion, secure.Capabilities{Encryption: true})
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)
		_, ok := h.GetProtocolNegotiation("agent-b")
		assert.False(t, ok)
	})

	t.Run("expiry keeps the session key alive", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore(),
			WithNegotiationTTL(10*time.Millisecond))
		neg, err := h.NegotiateProtocol("agent-b", contracts.ProtocolVersion, secure.Capabilities{Encryption: true})
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)
		_, ok := h.GetProtocolNegotiation("agent-b")
		require.False(t, ok)
		assert.True(t, h.SecureChannel().HasSession(neg.SessionID))
	})

	t.Run("teardown removes negotiation and key", func(t *testing.T) {
		h := NewHandler("agent-a", newFakeTransport(), directory.NewInMemoryStore())
		neg, err := h.NegotiateProtocol("agent-b", contracts.ProtocolVersion, secure.Capabilities{Encryption: true})
		require.NoError(t, err)

		h.TeardownNegotiation("agent-b")
		_, ok := h.GetProtocolNegotiation("agent-b")
		assert.False(t, ok)
		assert.False(t, h.SecureChannel().HasSession(neg.SessionID))
	})
}

func TestConnectionStatus(t *testing.T) {
	transport := newFakeTransport()
	h := NewHandler("agent-a", transport, directory.NewInMemoryStore())
	status := h.GetConnectionStatus()
	assert.True(t, status.Connected)
	assert.False(t, status.Started)
	assert.Equal(t, 0, status.PendingRequests)

	_, err := h.NegotiateProtocol("agent-b", contracts.ProtocolVersion, secure.Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.GetConnectionStatus().ActiveNegotiations)
}

func mustBody(t *testing.T, body contracts.Body) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}
