package browser

import "errors"

// Per-request failures. They never corrupt pool bookkeeping.
var (
	// ErrNavigation is returned when the browser could not load the target URL.
	ErrNavigation = errors.New("browser: navigation failed")
	// ErrDriverCommunication is returned when the backend stopped responding or rejected a command.
	ErrDriverCommunication = errors.New("browser: driver communication failed")
	// ErrWaitTimeout is returned when a wait condition did not hold before its deadline.
	ErrWaitTimeout = errors.New("browser: wait condition timed out")
	// ErrUserAgentUnsupported signals a backend that cannot override the user agent.
	// Callers treat it as a warning.
	ErrUserAgentUnsupported = errors.New("browser: user agent override not supported by driver")
)

// Lifecycle failures.
var (
	// ErrDriverConstruction is returned when a browser could not be started or connected to.
	ErrDriverConstruction = errors.New("browser: driver construction failed")
	// ErrSessionTerminated is returned by any operation on a session after Terminate.
	ErrSessionTerminated = errors.New("browser: session terminated")
)
