package trainenv

import "errors"

var (
	// ErrEnvironmentUnavailable means the Docker daemon cannot be reached.
	ErrEnvironmentUnavailable = errors.New("docker daemon is not available")

	// ErrEnvironmentNotFound means no training container exists.
	ErrEnvironmentNotFound = errors.New("training container not found")

	// ErrImagePull means the training image download failed.
	ErrImagePull = errors.New("training image pull failed")
)
