package logic

import "errors"

var (
	// ErrInvalidSchedule is returned for feed records that cannot be run.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrRelay is returned when a relay command fails. The physical state of
	// the plant is then unknown and the caller must not keep sequencing.
	ErrRelay = errors.New("relay command failed")

	// ErrInvalidLayout is returned for an unusable relay assignment.
	ErrInvalidLayout = errors.New("invalid relay layout")
)
