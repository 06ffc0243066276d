package taskpool

import "errors"

var (
	ErrStopped    = errors.New("taskpool: stopped")
	ErrNilTask    = errors.New("taskpool: nil task")
	ErrStarted    = errors.New("taskpool: workers already started")
	ErrNoWorkers  = errors.New("taskpool: at least one worker is required")
	ErrNilRunFunc = errors.New("taskpool: nil run function")
)
