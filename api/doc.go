// Package api serves the operator REST API.
//
// Routes:
//
//	GET    /api/servers        all nodes, ordered by name
//	GET    /api/servers/{id}   one node
//	POST   /api/servers        add an offline node (X-Api-Key)
//	DELETE /api/servers/{id}   remove a node (X-Api-Key)
//	GET    /healthz            liveness probe
//	GET    /metrics            Prometheus exposition
//
// Every /api response is a JSON envelope:
//
//	{"success": true, "data": {...}}
//	{"success": false, "error": "node not found", "code": "NOT_FOUND"}
package api
