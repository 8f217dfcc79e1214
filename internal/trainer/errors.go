package trainer

import "errors"

var (
	// ErrJobAlreadyRunning is returned by Start while another run holds
	// the training slot.
	ErrJobAlreadyRunning = errors.New("a training job is already running")

	// ErrEnvironmentBusy is returned while the environment is still being
	// pulled or created.
	ErrEnvironmentBusy = errors.New("training environment is being prepared")

	// ErrJobPreconditionFailed marks a run that failed before any training
	// started because the environment was not running when the worker
	// re-checked it.
	ErrJobPreconditionFailed = errors.New("environment not running")

	// ErrNoJob is returned by Stop when no run is active.
	ErrNoJob = errors.New("no training job is running")
)
