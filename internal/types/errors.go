package types

import (
	"errors"
	"fmt"
)

// Errors returned by the estimators. Callers match them with errors.Is; the
// returned values usually wrap one of these with more detail.
var (
	// ErrInvalidArgument reports malformed configuration passed to a setter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotReady reports that the current readings cannot support the enabled unknowns.
	ErrNotReady = errors.New("estimator not ready")
	// ErrLocked reports a mutation or re-entrant estimation while a run is in progress.
	ErrLocked = errors.New("estimator locked")
	// ErrNumerical reports a singular or ill-conditioned system, or failed convergence.
	ErrNumerical = errors.New("numerical failure")
	// ErrInsufficientData reports too few usable readings for the linear solver.
	// It is a kind of ErrNotReady.
	ErrInsufficientData = fmt.Errorf("%w: insufficient data", ErrNotReady)
	// ErrRobustEstimationFailed reports that no sample ever produced a candidate.
	ErrRobustEstimationFailed = errors.New("robust estimation failed")
)
