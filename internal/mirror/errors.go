package mirror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrUnknownSource  = errors.New("unknown source")
)

// ItemError is a per-item failure recorded on a SyncRun. It never aborts the
// remaining items of a pass.
type ItemError struct {
	ExternalID string
	Err        error
}

func (e ItemError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("item: %v", e.Err)
	}
	return fmt.Sprintf("item %s: %v", e.ExternalID, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}
