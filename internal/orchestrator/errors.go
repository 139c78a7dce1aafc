package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is a malformed request. Nothing has been attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("The %s %s.", e.Field, e.Reason)
}

// RemoteRejection is a non-success status reported by the device agent itself.
// Its status and payload are returned to the caller unchanged.
type RemoteRejection struct {
	DeviceID string
	Method   string
	Status   int
	Payload  json.RawMessage
}

func (e *RemoteRejection) Error() string {
	return fmt.Sprintf("device %s rejected %s with status %d: %s", e.DeviceID, e.Method, e.Status, e.Payload)
}

// HTTPStatus maps an orchestrator error to the status returned to the caller.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		rejection  *RemoteRejection
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &rejection):
		if rejection.Status < 100 || rejection.Status > 599 {
			return http.StatusInternalServerError
		}
		return rejection.Status
	default:
		// Transport, provisioning and unexpected failures.
		return http.StatusInternalServerError
	}
}
