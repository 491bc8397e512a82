// Package coordinator composes the coordination core into one explicitly
// constructed context.
//
// A Coordinator owns an agent registry, a router with its dedupe window, the
// event stream, a correlator, a workflow orchestrator, a consensus engine and
// a health checker. Nothing is package-level state: independent coordinators
// can live side by side, which tests rely on.
//
// Lifecycle:
//
//	c, err := coordinator.New(coordinator.Options{Config: cfg, Store: s})
//	c.Start(ctx)     // periodic health sweep, if configured
//	c.Reset()        // drop agents, history and waiters; stay usable
//	c.Shutdown(ctx)  // stop, wait for pending persistence; later calls return ErrClosed
//
// Server hosts a Coordinator as a process for the serve command: it opens the
// SQLite store, registers built-in agents from config and serves
// grpc.health.v1 with one service per registered agent.
package coordinator
