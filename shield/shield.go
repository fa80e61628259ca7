// Package shield provides the HTTP middleware stack of the scout API:
// security headers, body limits, per-client rate limiting and request
// tracing.
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.APIHeaders()))
//	r.Use(shield.MaxBody(8 << 20))
//	r.Use(shield.TraceID)
//	r.With(shield.NewRateLimiter(30, time.Minute).Middleware).Post("/v1/process", h)
package shield

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"
