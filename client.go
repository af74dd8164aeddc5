// Package agentwire composes the protocol handler, secure channel, and
// tracer behind one caller-facing client.
//
// Every send and request starts a trace first, delegates to the
// protocol handler, and finishes the trace from the outcome, so
// dashboards see the full lifecycle without callers touching the
// tracer directly.
package agentwire

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentwire/agentwire-go/config"
	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/directory"
	"github.com/agentwire/agentwire-go/monitor"
	"github.com/agentwire/agentwire-go/protocol"
	"github.com/agentwire/agentwire-go/secure"
	"github.com/agentwire/agentwire-go/transports/rabbitmq"
)

// Client is the integration facade over the protocol stack.
type Client struct {
	agentID       string
	handler       *protocol.Handler
	tracer        *monitor.Tracer
	transport     protocol.Transport
	ownsTransport bool
	logger        *slog.Logger
}

type clientConfig struct {
	transport protocol.Transport
	store     directory.Store
	channel   *secure.Channel
	logger    *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

// WithTransport injects a transport instead of the default AMQP one.
// The caller keeps ownership: Close is not called on injected
// transports.
func WithTransport(t protocol.Transport) ClientOption {
	return func(c *clientConfig) {
		c.transport = t
	}
}

// WithDirectory injects the agent-directory store used for routing.
func WithDirectory(store directory.Store) ClientOption {
	return func(c *clientConfig) {
		c.store = store
	}
}

// WithSecureChannel injects a secure channel, letting agents in one
// trust domain share session keys.
func WithSecureChannel(channel *secure.Channel) ClientOption {
	return func(c *clientConfig) {
		c.channel = channel
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// NewClient builds the protocol stack from configuration. Without
// WithTransport it connects to the configured AMQP broker.
func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.store == nil {
		cc.store = directory.NewInMemoryStore()
	}

	ownsTransport := false
	if cc.transport == nil {
		amqpTransport := rabbitmq.NewTransport(cfg.BrokerURL, rabbitmq.WithLogger(cc.logger))
		if err := amqpTransport.Connect(context.Background()); err != nil {
			return nil, err
		}
		cc.transport = amqpTransport
		ownsTransport = true
	}

	if cc.channel == nil {
		channelOpts := []secure.ChannelOption{
			secure.WithIssuer(cfg.Security.Issuer),
			secure.WithAudience(cfg.Security.Audience),
			secure.WithTokenTTL(cfg.Security.TokenTTL),
			secure.WithSupportedVersions(cfg.ProtocolVersion),
		}
		if cfg.Security.TokenSecret != "" {
			channelOpts = append(channelOpts, secure.WithTokenSecret([]byte(cfg.Security.TokenSecret)))
		}
		cc.channel = secure.NewChannel(channelOpts...)
	}

	tracer := monitor.NewTracer(
		monitor.WithSamplingRate(cfg.Tracing.SamplingRate),
		monitor.WithRetention(cfg.Tracing.Retention),
		monitor.WithTracerLogger(cc.logger),
	)

	handler := protocol.NewHandler(cfg.AgentID, cc.transport, cc.store,
		protocol.WithLogger(cc.logger),
		protocol.WithSecureChannel(cc.channel),
		protocol.WithDefaultTimeout(cfg.DefaultTimeout),
		protocol.WithRateLimit(cfg.RateLimit.MaxSends, cfg.RateLimit.Window),
		protocol.WithNegotiationTTL(cfg.NegotiationTTL),
		protocol.WithEventHook(func(e protocol.Event) {
			// Inbound drops fail the matching trace when this process
			// started one for the message.
			if e.MessageID == "" {
				return
			}
			if trace, ok := tracer.GetTraceByMessage(e.MessageID); ok {
				err := e.Err
				if err == nil {
					err = fmt.Errorf("message dropped: %s", e.Kind)
				}
				tracer.UpdateTrace(trace.TraceID, monitor.TraceFailed, nil, err)
			}
		}),
	)

	return &Client{
		agentID:       cfg.AgentID,
		handler:       handler,
		tracer:        tracer,
		transport:     cc.transport,
		ownsTransport: ownsTransport,
		logger:        cc.logger,
	}, nil
}

// Start begins consuming the agent's inbound channel.
func (c *Client) Start(ctx context.Context) error {
	return c.handler.Start(ctx)
}

// Stop rejects outstanding requests, stops consuming, and releases the
// tracer. The transport is closed only when the client created it.
func (c *Client) Stop() error {
	err := c.handler.Stop()
	c.tracer.Close()
	if c.ownsTransport {
		if cerr := c.transport.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ensureIdentity assigns the fields the tracer keys on before the
// handler sees the envelope, so traces for caller-built envelopes are
// findable by message id.
func (c *Client) ensureIdentity(env *contracts.Envelope, route protocol.Route) {
	if env.ID == "" {
		env.ID = contracts.NewMessageID()
	}
	if env.From == "" {
		env.From = c.agentID
	}
	if env.To == "" {
		env.To = route.To
	}
}

// SendMessage sends an envelope, tracing the attempt. The trace ends
// failed on a synchronous error and stays at sent otherwise.
func (c *Client) SendMessage(ctx context.Context, env *contracts.Envelope, route protocol.Route, opts ...protocol.SendOption) error {
	c.ensureIdentity(env, route)
	traceID := c.tracer.StartTrace(env, route)
	if err := c.handler.SendMessage(ctx, env, route, opts...); err != nil {
		c.tracer.UpdateTrace(traceID, monitor.TraceFailed, nil, err)
		return err
	}
	return nil
}

// SendRequest sends a request and blocks for the response. The trace
// ends processed when the response resolves and failed on error or
// timeout.
func (c *Client) SendRequest(ctx context.Context, env *contracts.Envelope, route protocol.Route, opts ...protocol.SendOption) (*contracts.Envelope, error) {
	c.ensureIdentity(env, route)
	traceID := c.tracer.StartTrace(env, route)
	resp, err := c.handler.SendRequest(ctx, env, route, opts...)
	if err != nil {
		c.tracer.UpdateTrace(traceID, monitor.TraceFailed, nil, err)
		return nil, err
	}
	c.tracer.UpdateTrace(traceID, monitor.TraceProcessed,
		map[string]interface{}{"responseId": resp.ID}, nil)
	return resp, nil
}

// RegisterMessageHandler installs a handler for one message kind.
func (c *Client) RegisterMessageHandler(kind contracts.MessageKind, handler protocol.MessageHandler) error {
	return c.handler.RegisterMessageHandler(kind, handler)
}

// UnregisterMessageHandler removes the handler for a kind.
func (c *Client) UnregisterMessageHandler(kind contracts.MessageKind) {
	c.handler.UnregisterMessageHandler(kind)
}

// NegotiateProtocol establishes a secure session with an agent.
func (c *Client) NegotiateProtocol(agentID, version string, caps secure.Capabilities) (*secure.Negotiation, error) {
	return c.handler.NegotiateProtocol(agentID, version, caps)
}

// GetProtocolNegotiation returns the stored negotiation for an agent.
func (c *Client) GetProtocolNegotiation(agentID string) (*secure.Negotiation, bool) {
	return c.handler.GetProtocolNegotiation(agentID)
}

// GetConnectionStatus reports handler and transport state.
func (c *Client) GetConnectionStatus() protocol.ConnectionStatus {
	return c.handler.GetConnectionStatus()
}

// GetTrace returns a trace by id.
func (c *Client) GetTrace(traceID string) (*monitor.Trace, bool) {
	return c.tracer.GetTrace(traceID)
}

// GetTraceByMessage returns the trace recorded for a message id.
func (c *Client) GetTraceByMessage(messageID string) (*monitor.Trace, bool) {
	return c.tracer.GetTraceByMessage(messageID)
}

// GetTracesByAgent returns every stored trace touching an agent.
func (c *Client) GetTracesByAgent(agentID string) []monitor.Trace {
	return c.tracer.GetTracesByAgent(agentID)
}

// FailedTraces lists every stored trace that ended failed.
func (c *Client) FailedTraces() []monitor.Trace {
	return c.tracer.FailedTraces()
}

// PerformanceSummary snapshots the tracing aggregates for dashboards.
func (c *Client) PerformanceSummary() monitor.PerformanceSummary {
	return c.tracer.Summary()
}
