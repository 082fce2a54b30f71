// Package hub serves the node presence protocol over WebSocket.
//
// Nodes connect to the hub endpoint and speak JSON-RPC 2.0:
//
//	register        {host, name, description?, occupancy} -> node
//	heartbeat                                          -> true
//	updateOccupancy {occupancy}                        -> node
//	updateUserCount {userCount}                        (alias of updateOccupancy)
//	joinObservers                                      -> true
//	joinWebClients                                     (alias of joinObservers)
//
// The connection itself is the identity: every session gets a fresh
// connection ID, and closing the socket disconnects it. Messages on one
// connection are handled strictly in order.
//
// The hub sends three notifications:
//
//	nodeUpdated  node      to observers, after a registration or occupancy change
//	nodeOffline  {host}    to observers, when a node goes offline
//	ping         {at}      to one node, which should answer with heartbeat
//
// Broadcasts and pings travel over a bus.MessageBus. The liveness sweep
// only sees connections in this process's registry, so one hub process
// serves a given node store. Observers that cannot speak WebSocket can follow the same
// broadcasts as Server-Sent Events from Events().
//
// Client is the node side of the protocol: it registers, heartbeats on an
// interval, and answers pings.
package hub
