package hub

import (
	"errors"

	apperrors "github.com/vinayprograms/echohub/errors"
	"github.com/vinayprograms/echohub/transport"
)

// Methods a node may call.
const (
	MethodRegister        = "register"
	MethodHeartbeat       = "heartbeat"
	MethodUpdateOccupancy = "updateOccupancy"
	MethodUpdateUserCount = "updateUserCount"
	MethodJoinObservers   = "joinObservers"
	MethodJoinWebClients  = "joinWebClients"
)

// Notifications the hub sends.
const (
	NotifyNodeUpdated = "nodeUpdated"
	NotifyNodeOffline = "nodeOffline"
	NotifyPing        = "ping"
)

// OccupancyParams carries an occupancy update. UserCount is accepted for
// older nodes; Occupancy wins when both are set.
type OccupancyParams struct {
	Occupancy *int `json:"occupancy,omitempty"`
	UserCount *int `json:"userCount,omitempty"`
}

func (p OccupancyParams) value() (int, bool) {
	switch {
	case p.Occupancy != nil:
		return *p.Occupancy, true
	case p.UserCount != nil:
		return *p.UserCount, true
	}
	return 0, false
}

// OfflineParams is the payload of a nodeOffline notification.
type OfflineParams struct {
	Host string `json:"host"`
}

// PingParams is the payload of a ping notification.
type PingParams struct {
	At string `json:"at"`
}

// rpcError maps a handler error onto a JSON-RPC error.
func rpcError(err error) *transport.Error {
	var rpcErr *transport.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := transport.InternalError
	switch apperrors.Code(err) {
	case apperrors.ErrCodeInvalidInput:
		code = transport.InvalidParams
	case apperrors.ErrCodeConflict:
		code = transport.Conflict
	case apperrors.ErrCodeUnavailable:
		code = transport.Unavailable
	case apperrors.ErrCodeTimeout, apperrors.ErrCodeCanceled:
		code = transport.Timeout
	case apperrors.ErrCodeRateLimited:
		code = transport.RateLimited
	}

	data := map[string]interface{}{"retryable": apperrors.IsRetryable(err)}
	if c := apperrors.Code(err); c != "" {
		data["code"] = c.String()
	}
	return &transport.Error{Code: code, Message: err.Error(), Data: data}
}
