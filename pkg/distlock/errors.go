package distlock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid coordinator options.
	ErrValidation = errors.New("distlock validation error")
	// ErrInvalidArgument classifies invalid caller arguments (for example an oversized lock name).
	ErrInvalidArgument = errors.New("distlock invalid argument")
	// ErrNotStarted is returned when the coordinator has not completed Start.
	ErrNotStarted = errors.New("distlock coordinator not started")
	// ErrNotHeld is returned when releasing a handle that does not hold its lock.
	ErrNotHeld = errors.New("distlock lock not held")
	// ErrLeaseLost is returned once the instance lease could not be renewed and the
	// coordinator has halted.
	ErrLeaseLost = errors.New("distlock lease lost")
	// ErrClosed classifies operations performed on a stopped coordinator.
	ErrClosed = errors.New("distlock coordinator closed")
	// ErrDuplicateInstance is returned by stores when an instance id is already registered.
	ErrDuplicateInstance = errors.New("distlock duplicate service instance")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
