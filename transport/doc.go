// Package transport carries JSON-RPC 2.0 messages between the hub and the
// nodes and observers connected to it.
//
// # Available Transports
//
//   - WebSocketTransport: bidirectional JSON-RPC over one WebSocket. Used by
//     the hub for each node session and by the node-side client.
//   - SSEBroadcaster: one-way Server-Sent Events stream of presence
//     notifications for browser observers.
//
// # Usage
//
//	t := transport.NewWebSocketTransport(conn, transport.DefaultWebSocketConfig())
//	go t.Run(ctx)
//
//	for msg := range t.Recv() {
//	    if msg.Request != nil {
//	        t.Send(&transport.OutboundMessage{
//	            Response: transport.NewResult(msg.Request.ID, result),
//	        })
//	    }
//	}
//
// # Thread Safety
//
// All transport methods are safe for concurrent use. The Recv() channel is
// closed when the transport shuts down, including when the peer goes away.
package transport
