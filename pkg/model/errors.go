package model

import (
	"errors"
	"fmt"
)

// Every public operation fails with an error matching exactly one of these
// via errors.Is.
var (
	ErrAuth                 = errors.New("auth error")
	ErrConnection           = errors.New("connection error")
	ErrNotConnected         = errors.New("not connected")
	ErrAlreadyConnecting    = errors.New("already connecting")
	ErrJobFailed            = errors.New("job failed")
	ErrNotFound             = errors.New("not found")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// JobFailedError carries the server-reported failure reason of a job.
// It matches ErrJobFailed.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

func (e *JobFailedError) Is(target error) bool {
	return target == ErrJobFailed
}
