package config

import (
	"context"
)

// Loader provides configuration loading capabilities. It abstracts where the
// configuration comes from so the daemon can be started from a file, the
// environment, or both.
type Loader interface {
	// Load retrieves, parses and validates the configuration.
	Load(ctx context.Context) (*Config, error)
}
