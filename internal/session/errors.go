package session

import (
	"errors"

	"github.com/p-arndt/docbox/internal/compat"
	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/policy"
	"github.com/p-arndt/docbox/internal/store"
)

// Error taxonomy of the manager. Several are aliases so that errors.Is works
// against both the manager and the package that detected the problem.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("session not found")
	ErrNotReady           = errors.New("session not ready")
	ErrTimeout            = errors.New("timeout")
	ErrUnsupportedVersion = compat.ErrUnsupported
	ErrCapacityExceeded   = store.ErrCapacity
	ErrInvalidPath        = policy.ErrInvalidPath
	ErrInvalidCommand     = policy.ErrInvalidCommand
	ErrEnvironment        = environment.ErrFailure
	ErrFileNotFound       = environment.ErrFileNotFound
)
