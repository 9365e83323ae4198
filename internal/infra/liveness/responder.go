package liveness

import (
	"context"
)

// Respond answers "are you alive" probes for each app in appIDs with the
// matching "I am alive" signal, until the returned subscription is canceled.
// This is the probed side of the protocol; a helper process running the apps
// installs it.
func (c *Channel) Respond(ctx context.Context, appIDs []string) *Subscription {
	sub := &Subscription{removes: make([]func(), 0, len(appIDs))}
	for _, id := range appIDs {
		sub.removes = append(sub.removes, c.Register(RequestAppState(id), func(name string) {
			appID, ok := AppIDFromRequest(name)
			if !ok {
				return
			}
			if err := c.transport.Post(ctx, AppIsRunning(appID)); err != nil {
				c.logger.Warn(ctx, "failed to acknowledge probe", "app_id", appID, "error", err)
				return
			}
			c.logger.Debug(ctx, "acknowledged probe", "app_id", appID)
		}))
	}
	return sub
}
