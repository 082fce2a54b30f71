// Package errors classifies failures raised while tracking node presence.
//
// # Categories
//
//   - Transient: the durable store or the bus is temporarily unreachable; the
//     next heartbeat or sweep is expected to succeed.
//   - Permanent: the request can never succeed as sent (unknown node, bad input).
//   - Internal: unexpected failures and recovered panics.
//
// # Usage
//
// Store backends wrap driver errors so callers can branch on the code:
//
//	if err != nil {
//	    return nil, errors.Wrap(err, "get node by host", errors.WithHost(host))
//	}
//
// The hub maps an Error onto a JSON-RPC error response, carrying the code and
// retryable flag in the error data:
//
//	data, _ := json.Marshal(err)
package errors
