// Package server provides a unified HTTP server for gokit applications
// using Gin with HTTP/2 and h2c support for serving both REST and gRPC traffic.
//
// The server follows gokit's component pattern with lifecycle management,
// health endpoints, and configurable middleware.
//
// # Middleware
//
// Built-in middleware (server/middleware):
//
//   - Recovery: Panic recovery with structured logging
//   - Logging: Request/response logging with duration tracking
//   - CORS: Cross-origin resource sharing configuration
//   - RequestID: Request ID generation and propagation
//   - RateLimit: Token bucket rate limiting
//   - BodySize: Request body size limits
//   - Auth: JWT authentication middleware
//
// # Endpoints
//
// Built-in endpoint handlers (server/endpoint):
//
//   - Readiness: Kubernetes readiness probe, registered at /ready
//   - Liveness: Kubernetes liveness probe, registered at /live
//   - Info: Application information, registered at /info
//   - Version: Build version information (not registered by default)
//
// RegisterDefaultEndpoints also mounts the caller's /metrics handler.
// It does not register /health.
package server
