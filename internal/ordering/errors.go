package ordering

import (
	"errors"
	"fmt"
)

// Reason names why a move was refused.
type Reason string

const (
	ReasonNeighborNotFound  Reason = "NEIGHBOR_NOT_FOUND"
	ReasonItemNotFound      Reason = "ITEM_NOT_FOUND"
	ReasonContainerNotFound Reason = "CONTAINER_NOT_FOUND"
	ReasonPermissionDenied  Reason = "PERMISSION_DENIED"
	ReasonSelfDrop          Reason = "SELF_DROP"
)

// Rejection is the expected, non-exceptional outcome of a move that cannot
// be applied. Callers inspect Reason instead of parsing messages.
type Rejection struct {
	Reason Reason
	ID     string
}

func (r *Rejection) Error() string {
	if r.ID == "" {
		return fmt.Sprintf("move rejected: %s", r.Reason)
	}
	return fmt.Sprintf("move rejected: %s (%s)", r.Reason, r.ID)
}

// Stale reports whether the rejection means the caller's view of the
// container is out of date and must be refetched before retrying.
func (r *Rejection) Stale() bool {
	switch r.Reason {
	case ReasonNeighborNotFound, ReasonItemNotFound, ReasonContainerNotFound:
		return true
	default:
		return false
	}
}

func Reject(reason Reason, id string) *Rejection {
	return &Rejection{Reason: reason, ID: id}
}

// AsRejection unwraps err into a *Rejection if it carries one.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// IsRejected reports whether err is a rejection for reason.
func IsRejected(err error, reason Reason) bool {
	rejection, ok := AsRejection(err)
	return ok && rejection.Reason == reason
}
