// Package shutdown stops the hub's components in phases.
//
// Handlers registered in a lower phase finish before the next phase starts.
// Handlers that share a phase run concurrently. echohub uses three phases:
//
//   - PhaseIngress: stop the HTTP listener and close WebSocket sessions,
//     which disconnects every node still attached.
//   - PhaseWorkers: stop the liveness supervisor and drain queued events.
//   - PhaseBackends: close the node store, the message bus and the trace
//     exporter.
//
// Usage:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), shutdown.WithLogger(logger))
//	coord.RegisterFunc("http", shutdown.PhaseIngress, server.Shutdown)
//	coord.Register("store", shutdown.PhaseBackends, shutdown.Closer(store))
//
//	<-ctx.Done()
//	if err := coord.ShutdownWithTimeout(0); err != nil {
//	    logger.Error("shutdown_incomplete", map[string]interface{}{"error": err.Error()})
//	}
package shutdown
