package refresh

import "errors"

var (
	// ErrBudgetDenied indicates the extended execution window could not be
	// acquired. Fatal to the session.
	ErrBudgetDenied = errors.New("background execution budget denied")

	// ErrServerNotFound indicates discovery found no reachable helper server.
	// Benign: the outcome notification is suppressed.
	ErrServerNotFound = errors.New("could not find a helper server")

	// ErrMediaResourceConflict is the platform media session contention error
	// that can only legitimately occur while the app is launching.
	ErrMediaResourceConflict = errors.New("background audio session could not start playing")

	// ErrSessionInProgress is returned when a session is started while another
	// one is still active.
	ErrSessionInProgress = errors.New("a refresh session is already in progress")

	// ErrCatalogUnavailable is returned when the catalog fetch has not
	// produced a result by the time the session needs it.
	ErrCatalogUnavailable = errors.New("catalog fetch did not complete")
)
