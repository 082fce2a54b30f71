// Package liveness runs the periodic sweep that keeps node presence honest.
//
// Nodes report themselves over the hub, but a node that vanishes without
// closing its connection never says so. The Supervisor closes that gap. Once
// per interval it:
//
//  1. Purges nodes that have been offline for longer than the cleanup
//     threshold.
//  2. Looks at every online node not seen for the stale threshold. A node
//     silent for the unresponsive threshold, or one without a live
//     connection, is taken offline. Any other stale node is pinged on each
//     of its connections and is expected to answer with a heartbeat.
//
// Failures on one node are logged and counted; the sweep moves on. A failed
// sweep never stops the loop.
//
// Example:
//
//	sup, err := liveness.New(svc, liveness.DefaultConfig(),
//	    liveness.WithLogger(logger),
//	    liveness.WithMetrics(m),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := sup.Start(ctx); err != nil {
//	    return err
//	}
//	defer sup.Stop()
package liveness
