package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
)

// Kind tells presenters what sort of notification they are showing.
type Kind int

const (
	KindInfo Kind = iota
	KindError
	KindUpdate
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindError:
		return "error"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Content is the user-visible part of a notification.
type Content struct {
	Title string
	Body  string
	Kind  Kind
}

// Request asks a Center to show Content after Trigger has elapsed. A zero
// Trigger fires immediately.
type Request struct {
	Identifier string
	Content    Content
	Trigger    time.Duration
}

const (
	refreshedTitle = "Refreshed Apps"
	refreshedBody  = "All apps have been refreshed."
	failedTitle    = "Failed to Refresh Apps"
	updateTitle    = "New Update Available"
)

// Classify turns a refresh outcome into notification content. The boolean
// is false when the outcome must not be shown at all: a missing helper
// server, or a media session conflict while the app was launching.
func Classify(outcome refresh.Outcome, isLaunch bool) (Content, bool) {
	err := outcome.Error()
	switch {
	case err == nil:
		return Content{Title: refreshedTitle, Body: refreshedBody, Kind: KindInfo}, true
	case errors.Is(err, refresh.ErrServerNotFound):
		return Content{}, false
	case errors.Is(err, refresh.ErrMediaResourceConflict) && isLaunch:
		return Content{}, false
	default:
		return Content{Title: failedTitle, Body: err.Error(), Kind: KindError}, true
	}
}

// UpdateContent describes one newly available update.
func UpdateContent(update refresh.AppUpdate) Content {
	return Content{
		Title: updateTitle,
		Body:  fmt.Sprintf("%s %s is now available for download.", update.Name, update.Version),
		Kind:  KindUpdate,
	}
}
