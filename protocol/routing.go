package protocol

import (
	"context"
	"sync/atomic"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/directory"
)

// RoutingStrategy selects the destination channel(s) for a message.
type RoutingStrategy string

const (
	RouteDirect      RoutingStrategy = "direct"
	RouteBroadcast   RoutingStrategy = "broadcast"
	RouteRoundRobin  RoutingStrategy = "round-robin"
	RouteLoadBalance RoutingStrategy = "load-balance"
)

// Route describes where a message should go and how.
type Route struct {
	From     string
	To       string
	Via      string
	Priority contracts.Priority
	Strategy RoutingStrategy
}

// router computes destination channels from an eventually-consistent
// read of the directory. The round-robin counter is process-wide;
// concurrent handler instances may transiently disagree.
type router struct {
	directory directory.Store
	rrCounter atomic.Uint64
}

func newRouter(store directory.Store) *router {
	return &router{directory: store}
}

// channels resolves a route to the transport channels to publish on.
// An empty strategy routes direct.
func (r *router) channels(ctx context.Context, route Route) ([]string, error) {
	switch route.Strategy {
	case RouteDirect, "":
		return []string{ChannelForAgent(route.To)}, nil

	case RouteBroadcast:
		records, err := r.directory.List(ctx)
		if err != nil {
			return nil, contracts.Errorf(contracts.ErrCodeInternal, "directory scan: %v", err)
		}
		channels := make([]string, 0, len(records))
		for _, record := range records {
			channels = append(channels, ChannelForAgent(record.ID))
		}
		return channels, nil

	case RouteRoundRobin:
		members, err := r.classMembers(ctx, route.To)
		if err != nil {
			return nil, err
		}
		// One shared monotonically increasing counter: approximate
		// fairness under concurrency, not strict alternation. The
		// member list is sorted by id, so the modulo walk is stable.
		idx := (r.rrCounter.Add(1) - 1) % uint64(len(members))
		return []string{ChannelForAgent(members[idx].ID)}, nil

	case RouteLoadBalance:
		members, err := r.classMembers(ctx, route.To)
		if err != nil {
			return nil, err
		}
		// Members arrive sorted by id, so keeping the first strict
		// minimum breaks activeTasks ties deterministically.
		best := members[0]
		for _, m := range members[1:] {
			if m.Status.ActiveTasks < best.Status.ActiveTasks {
				best = m
			}
		}
		return []string{ChannelForAgent(best.ID)}, nil

	default:
		return nil, contracts.Errorf(contracts.ErrCodeInvalidMessage,
			"unknown routing strategy %q", route.Strategy)
	}
}

// classMembers returns the sorted members of the target's class. When
// the target has its own directory record its type names the class;
// otherwise the target is treated as a class name directly.
func (r *router) classMembers(ctx context.Context, target string) ([]directory.AgentRecord, error) {
	class := target
	if record, err := r.directory.Get(ctx, target); err == nil {
		class = record.Type
	}
	members, err := r.directory.ListByType(ctx, class)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrCodeInternal, "directory scan: %v", err)
	}
	if len(members) == 0 {
		return nil, contracts.Errorf(contracts.ErrCodeNotFound, "no agents in class %q", class)
	}
	return members, nil
}
