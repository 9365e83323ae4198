package liveness

import "strings"

// Base signal names. Every signal is scoped to one app by appending
// "." + bundle identifier.
const (
	RequestAppStateBase = "com.altstore.RequestAppState"
	AppIsRunningBase    = "com.altstore.AppState.Running"
)

// RequestAppState returns the "are you alive" signal name for appID.
func RequestAppState(appID string) string { return RequestAppStateBase + "." + appID }

// AppIsRunning returns the "I am alive" signal name for appID.
func AppIsRunning(appID string) string { return AppIsRunningBase + "." + appID }

// AppIDFromRunning extracts the app identifier from an "I am alive" signal
// name.
func AppIDFromRunning(name string) (string, bool) {
	return trimScope(name, AppIsRunningBase)
}

// AppIDFromRequest extracts the app identifier from an "are you alive" signal
// name.
func AppIDFromRequest(name string) (string, bool) {
	return trimScope(name, RequestAppStateBase)
}

func trimScope(name, base string) (string, bool) {
	id, ok := strings.CutPrefix(name, base+".")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
