package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocycle/pkg/gocycle"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Manager is the billing manager instance (required)
	Manager *gocycle.Manager

	// PathParam extracts a named path parameter from the request.
	// Defaults to http.Request.PathValue, which suits http.ServeMux patterns;
	// routers such as chi supply their own (chi.URLParam).
	PathParam func(r *http.Request, name string) string

	// OnError handles errors. If nil, a JSON {"error": ...} body is written
	// with a status derived from the error.
	OnError func(w http.ResponseWriter, r *http.Request, err error, status int)

	// Logger records internal errors (default: gocycle.NoopLogger)
	Logger gocycle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.PathParam == nil {
		config.PathParam = func(r *http.Request, name string) string {
			return r.PathValue(name)
		}
	}
	if config.Logger == nil {
		config.Logger = &gocycle.NoopLogger{}
	}
	return &Handler{config: config}, nil
}
