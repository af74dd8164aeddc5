package protocol

import (
	"context"
	"strings"
)

// channelPrefix namespaces agent channels on the shared transport.
const channelPrefix = "agents."

// ChannelForAgent returns the transport channel an agent receives on.
func ChannelForAgent(agentID string) string {
	return channelPrefix + agentID
}

// AgentFromChannel resolves the agent id a channel belongs to.
func AgentFromChannel(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

// InboundHandler receives raw payloads from the transport. Per-channel
// delivery order is whatever the transport provides; there is no
// cross-channel ordering.
type InboundHandler func(channel string, payload []byte)

// Transport is the external pub/sub service the protocol rides on.
// One channel per agent id.
type Transport interface {
	// Publish sends a payload to a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers a handler for a channel's messages.
	Subscribe(ctx context.Context, channel string, handler InboundHandler) error

	// Unsubscribe removes a channel subscription.
	Unsubscribe(channel string) error

	// Close releases all transport resources.
	Close() error

	// IsConnected reports transport connectivity.
	IsConnected() bool
}
