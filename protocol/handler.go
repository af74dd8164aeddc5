package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/directory"
	"github.com/agentwire/agentwire-go/schema"
	"github.com/agentwire/agentwire-go/secure"
)

// MessageHandler processes one inbound envelope.
type MessageHandler interface {
	Handle(ctx context.Context, env *contracts.Envelope) error
}

// MessageHandlerFunc is a function adapter for MessageHandler.
type MessageHandlerFunc func(ctx context.Context, env *contracts.Envelope) error

// Handle implements MessageHandler.
func (f MessageHandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

// EventKind classifies observability events from the inbound pipeline.
type EventKind string

const (
	EventExpired          EventKind = "expired"
	EventMalformed        EventKind = "malformed"
	EventDecryptionFailed EventKind = "decryption_failed"
	EventDroppedResponse  EventKind = "dropped_response"
	EventHandlerError     EventKind = "handler_error"
)

// Event reports an inbound message the pipeline could not deliver.
// Events are observability only; they never interrupt consumption.
type Event struct {
	Kind      EventKind
	Channel   string
	MessageID string
	Err       error
}

// negotiationEntry is one stored negotiation with its expiry.
type negotiationEntry struct {
	negotiation *secure.Negotiation
	expiresAt   time.Time
}

// Handler orchestrates sending and receiving over the transport. It
// owns the pending-request table, the negotiation table, the
// rate-limit counters, and the handler registry.
type Handler struct {
	agentID   string
	transport Transport
	secure    *secure.Channel
	validator *schema.Validator
	router    *router
	pending   *pendingTable
	limiter   *fixedWindowLimiter
	logger    *slog.Logger

	negMu          sync.RWMutex
	negotiations   map[string]*negotiationEntry
	negotiationTTL time.Duration

	handlersMu sync.RWMutex
	handlers   map[contracts.MessageKind]MessageHandler

	defaultTimeout time.Duration
	onEvent        func(Event)
	started        atomic.Bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithSecureChannel sets the secure channel used for session
// encryption and negotiation.
func WithSecureChannel(c *secure.Channel) HandlerOption {
	return func(h *Handler) {
		h.secure = c
	}
}

// WithDefaultTimeout sets the request timeout applied when a request
// carries none.
func WithDefaultTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.defaultTimeout = d
	}
}

// WithRateLimit sets the per-agent fixed-window rate limit.
func WithRateLimit(maxSends int, window time.Duration) HandlerOption {
	return func(h *Handler) {
		h.limiter = newFixedWindowLimiter(maxSends, window)
	}
}

// WithNegotiationTTL sets how long stored negotiations remain valid.
func WithNegotiationTTL(ttl time.Duration) HandlerOption {
	return func(h *Handler) {
		h.negotiationTTL = ttl
	}
}

// WithEventHook registers an observer for inbound pipeline events.
func WithEventHook(hook func(Event)) HandlerOption {
	return func(h *Handler) {
		h.onEvent = hook
	}
}

// NewHandler creates a protocol handler for one agent.
func NewHandler(agentID string, transport Transport, store directory.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		agentID:        agentID,
		transport:      transport,
		secure:         secure.NewChannel(),
		validator:      schema.NewValidator(),
		router:         newRouter(store),
		pending:        newPendingTable(),
		limiter:        newFixedWindowLimiter(100, time.Minute),
		logger:         slog.Default(),
		negotiations:   make(map[string]*negotiationEntry),
		negotiationTTL: time.Hour,
		handlers:       make(map[contracts.MessageKind]MessageHandler),
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// sendConfig carries per-send options.
type sendConfig struct {
	sessionID string
	timeout   time.Duration
}

// SendOption configures one send or request.
type SendOption func(*sendConfig)

// WithSession encrypts the send under the given session's key.
func WithSession(sessionID string) SendOption {
	return func(c *sendConfig) {
		c.sessionID = sessionID
	}
}

// WithTimeout overrides the request timeout for one SendRequest call.
func WithTimeout(d time.Duration) SendOption {
	return func(c *sendConfig) {
		c.timeout = d
	}
}

// Start subscribes to the agent's inbound channel and begins
// consuming.
func (h *Handler) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return contracts.NewProtocolError(contracts.ErrCodeInternal, "handler already started")
	}
	channel := ChannelForAgent(h.agentID)
	if err := h.transport.Subscribe(ctx, channel, h.handleInbound); err != nil {
		h.started.Store(false)
		return contracts.Errorf(contracts.ErrCodeInternal, "subscribe %s: %v", channel, err)
	}
	h.logger.Info("protocol handler started", "agent", h.agentID, "channel", channel)
	return nil
}

// Stop rejects every outstanding request with an INTERNAL_ERROR
// shutdown error, then unsubscribes. It is immediate, not graceful.
func (h *Handler) Stop() error {
	if !h.started.CompareAndSwap(true, false) {
		return nil
	}
	h.pending.failAll(contracts.NewProtocolError(contracts.ErrCodeInternal, "handler stopped"))
	if err := h.transport.Unsubscribe(ChannelForAgent(h.agentID)); err != nil {
		return contracts.Errorf(contracts.ErrCodeInternal, "unsubscribe: %v", err)
	}
	h.logger.Info("protocol handler stopped", "agent", h.agentID)
	return nil
}

// SendMessage validates, rate-limits, optionally encrypts, and
// publishes an envelope per the route's strategy. Missing envelope
// identity fields are filled in before validation.
func (h *Handler) SendMessage(ctx context.Context, env *contracts.Envelope, route Route, opts ...SendOption) error {
	cfg := &sendConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return h.send(ctx, env, route, cfg)
}

func (h *Handler) send(ctx context.Context, env *contracts.Envelope, route Route, cfg *sendConfig) error {
	h.prepare(env, route)

	if env.IsExpired(time.Now()) {
		return contracts.Errorf(contracts.ErrCodeInvalidMessage,
			"envelope %s ttl expired before dispatch", env.ID)
	}
	if err := h.validator.ValidateEnvelope(env); err != nil {
		return err
	}
	// Only sends that passed validation count against the window.
	if !h.limiter.allow(env.From) {
		return contracts.Errorf(contracts.ErrCodeRateLimited,
			"agent %q exceeded send rate limit", env.From)
	}

	payload, err := h.encode(env, cfg.sessionID)
	if err != nil {
		return err
	}
	channels, err := h.router.channels(ctx, route)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if err := h.transport.Publish(ctx, channel, payload); err != nil {
			return contracts.Errorf(contracts.ErrCodeInternal, "publish to %s: %v", channel, err)
		}
	}
	h.logger.Debug("message sent",
		"id", env.ID, "kind", env.Kind, "strategy", route.Strategy, "channels", len(channels))
	return nil
}

// SendRequest sends a request envelope and blocks until the matching
// response arrives or the timeout fires. Exactly one of the two
// happens; a response arriving after timeout is dropped.
func (h *Handler) SendRequest(ctx context.Context, env *contracts.Envelope, route Route, opts ...SendOption) (*contracts.Envelope, error) {
	cfg := &sendConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	h.prepare(env, route)
	body, err := h.validator.ValidateTyped(env, contracts.KindRequest)
	if err != nil {
		return nil, err
	}
	req := body.(*contracts.Request)

	if env.CorrelationID == "" {
		env.CorrelationID = contracts.NewCorrelationID()
	}
	timeout := h.defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if cfg.timeout > 0 {
		timeout = cfg.timeout
	}

	correlationID := env.CorrelationID
	p, err := h.pending.add(correlationID, timeout, func() {
		h.pending.fail(correlationID, contracts.Errorf(contracts.ErrCodeTimeout,
			"request %s timed out after %v", correlationID, timeout))
	})
	if err != nil {
		return nil, err
	}

	if err := h.send(ctx, env, route, cfg); err != nil {
		h.pending.take(correlationID)
		return nil, err
	}

	select {
	case res := <-p.result:
		return res.envelope, res.err
	case <-ctx.Done():
		h.pending.take(correlationID)
		return nil, contracts.Errorf(contracts.ErrCodeTimeout, "request %s canceled: %v", correlationID, ctx.Err())
	}
}

// prepare fills the identity fields an outbound envelope may omit.
func (h *Handler) prepare(env *contracts.Envelope, route Route) {
	if env.ID == "" {
		env.ID = contracts.NewMessageID()
	}
	if env.Version == "" {
		env.Version = contracts.ProtocolVersion
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.From == "" {
		env.From = h.agentID
	}
	if env.To == "" {
		env.To = route.To
	}
	if env.Priority == "" {
		if route.Priority != "" {
			env.Priority = route.Priority
		} else {
			env.Priority = contracts.PriorityMedium
		}
	}
}

// encode serializes the envelope, sealing it into an encrypted frame
// when a session is given.
func (h *Handler) encode(env *contracts.Envelope, sessionID string) ([]byte, error) {
	if sessionID == "" {
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrCodeInternal, "encode envelope: %v", err)
		}
		return payload, nil
	}
	frame, err := h.secure.Encrypt(env, sessionID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeInternal, "encode frame: %v", err)
	}
	return payload, nil
}

// handleInbound is the consume loop body. Every failure is contained:
// reported through the event hook and the log, never returned to the
// transport.
func (h *Handler) handleInbound(channel string, payload []byte) {
	env, err := h.decodeInbound(payload)
	if err != nil {
		kind := EventMalformed
		var perr *contracts.ProtocolError
		if errors.As(err, &perr) && (perr.Code == contracts.ErrCodeDecryptionFailed || perr.Code == contracts.ErrCodeNotFound) {
			kind = EventDecryptionFailed
		}
		h.emit(Event{Kind: kind, Channel: channel, Err: err})
		h.logger.Warn("dropped inbound message", "channel", channel, "reason", err)
		return
	}

	if env.IsExpired(time.Now()) {
		h.emit(Event{Kind: EventExpired, Channel: channel, MessageID: env.ID})
		h.logger.Debug("dropped expired message", "id", env.ID, "ttl", env.TTLSeconds)
		return
	}

	h.dispatch(channel, env)
}

// decodeInbound distinguishes encrypted frames from plaintext
// envelopes by structural sniffing, then validates.
func (h *Handler) decodeInbound(payload []byte) (*contracts.Envelope, error) {
	if frame, ok := secure.DecodeFrame(payload); ok {
		env, err := h.secure.Decrypt(frame, frame.SessionID)
		if err != nil {
			return nil, err
		}
		if err := h.validator.ValidateEnvelope(env); err != nil {
			return nil, err
		}
		return env, nil
	}
	return h.validator.Validate(payload)
}

// dispatch routes a validated envelope to the registered handler for
// its kind, falling back to the default per-kind behavior.
func (h *Handler) dispatch(channel string, env *contracts.Envelope) {
	h.handlersMu.RLock()
	handler, ok := h.handlers[env.Kind]
	h.handlersMu.RUnlock()

	if ok {
		if err := handler.Handle(context.Background(), env); err != nil {
			h.emit(Event{Kind: EventHandlerError, Channel: channel, MessageID: env.ID, Err: err})
			h.logger.Warn("message handler failed", "id", env.ID, "kind", env.Kind, "error", err)
		}
		return
	}

	switch env.Kind {
	case contracts.KindResponse:
		if env.CorrelationID == "" || !h.pending.resolve(env.CorrelationID, env) {
			// Late, duplicate, or unsolicited: the pending entry is
			// gone, so the response is dropped.
			h.emit(Event{Kind: EventDroppedResponse, Channel: channel, MessageID: env.ID})
			h.logger.Debug("dropped unmatched response", "id", env.ID, "correlationId", env.CorrelationID)
		}
	default:
		h.logger.Debug("no handler for message", "id", env.ID, "kind", env.Kind)
	}
}

// RegisterMessageHandler installs a handler for one message kind,
// replacing the default behavior for that kind.
func (h *Handler) RegisterMessageHandler(kind contracts.MessageKind, handler MessageHandler) error {
	if !kind.IsValid() {
		return contracts.Errorf(contracts.ErrCodeInvalidMessage, "unknown message kind %q", kind)
	}
	if handler == nil {
		return contracts.NewProtocolError(contracts.ErrCodeInvalidMessage, "handler cannot be nil")
	}
	h.handlersMu.Lock()
	h.handlers[kind] = handler
	h.handlersMu.Unlock()
	return nil
}

// UnregisterMessageHandler removes the handler for a kind, restoring
// default behavior.
func (h *Handler) UnregisterMessageHandler(kind contracts.MessageKind) {
	h.handlersMu.Lock()
	delete(h.handlers, kind)
	h.handlersMu.Unlock()
}

// NegotiateProtocol establishes a session with an agent and stores the
// negotiation with its own expiry.
func (h *Handler) NegotiateProtocol(agentID, version string, caps secure.Capabilities) (*secure.Negotiation, error) {
	neg, err := h.secure.Negotiate(agentID, version, caps)
	if err != nil {
		return nil, err
	}
	h.negMu.Lock()
	h.negotiations[agentID] = &negotiationEntry{
		negotiation: neg,
		expiresAt:   time.Now().Add(h.negotiationTTL),
	}
	h.negMu.Unlock()
	h.logger.Info("protocol negotiated", "agent", agentID, "session", neg.SessionID, "version", version)
	return neg, nil
}

// GetProtocolNegotiation returns the stored negotiation for an agent.
// Expired records are evicted lazily on read. The session key is not
// touched by expiry; it only goes away on explicit teardown.
func (h *Handler) GetProtocolNegotiation(agentID string) (*secure.Negotiation, bool) {
	h.negMu.RLock()
	entry, ok := h.negotiations[agentID]
	h.negMu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		h.negMu.Lock()
		if current, still := h.negotiations[agentID]; still && current == entry {
			delete(h.negotiations, agentID)
		}
		h.negMu.Unlock()
		return nil, false
	}
	return entry.negotiation, true
}

// TeardownNegotiation removes an agent's negotiation and its session
// key.
func (h *Handler) TeardownNegotiation(agentID string) {
	h.negMu.Lock()
	entry, ok := h.negotiations[agentID]
	delete(h.negotiations, agentID)
	h.negMu.Unlock()
	if ok {
		h.secure.RemoveSessionKey(entry.negotiation.SessionID)
	}
}

// SecureChannel exposes the underlying secure channel for token and
// integrity operations.
func (h *Handler) SecureChannel() *secure.Channel {
	return h.secure
}

// ConnectionStatus is a point-in-time view of the handler.
type ConnectionStatus struct {
	Started            bool
	Connected          bool
	PendingRequests    int
	ActiveNegotiations int
}

// GetConnectionStatus reports handler and transport state.
func (h *Handler) GetConnectionStatus() ConnectionStatus {
	h.negMu.RLock()
	negotiations := len(h.negotiations)
	h.negMu.RUnlock()
	return ConnectionStatus{
		Started:            h.started.Load(),
		Connected:          h.transport.IsConnected(),
		PendingRequests:    h.pending.len(),
		ActiveNegotiations: negotiations,
	}
}

func (h *Handler) emit(e Event) {
	if h.onEvent != nil {
		h.onEvent(e)
	}
}
