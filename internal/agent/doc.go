// Package agent manages the agents known to the coordinator.
//
// # Overview
//
// An agent is anything implementing Handle: it can receive a routed message
// and report its own status. Handles that also produce messages implement
// Emitter; the registry reads their Outbox and hands every message to the
// router.
//
// # Registry
//
// The Registry tracks all registered agents:
//
//	reg := agent.NewRegistry(router.Submit, logger)
//
// Key operations:
//
//   - Register(id, handle): add an agent; ErrDuplicateAgent if the id is taken
//   - Unregister(id): detach the outbox and remove; ErrUnknownAgent if absent
//   - Get(id), All(), IDs(), Info(), Count(): lookups without side effects
//
// Identifiers must satisfy protocol.ValidAgentID. The address sentinels
// "BROADCAST" and "coordinator" are reserved.
//
// # Local agents
//
// Local is an in-process Handle driven by a HandlerFunc. Replies go through
// the outbox like any other emitted message:
//
//	echo := agent.NewLocal("echo", func(ctx context.Context, self *agent.Local, msg *protocol.Message) error {
//	    return self.Reply(ctx, msg, protocol.KindResponse, protocol.Payload{"data": msg.Data()})
//	})
//
// # Health Sweep
//
// HealthChecker calls Status on every registered agent concurrently, each
// under its own timeout. A panic, error or unhealthy status only marks that
// agent unhealthy. Reports can be cached (ristretto) and mirrored into a gRPC
// health server, one service name per agent id.
//
// # Thread Safety
//
// Registry and HealthChecker are safe for concurrent use. The registry lock is
// never held while calling into a handle.
package agent
