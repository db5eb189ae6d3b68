// Package api provides a RESTful HTTP API server for observing and steering
// the shaping data plane.
//
// The API server exposes endpoints for:
//   - Attachment status of every configured interface
//   - Current throughput totals and per-host rates
//   - IP to CPU/TC class mapping management
//   - Prometheus metrics
//
// # Architecture
//
// The API server is built on the Gin web framework and integrates with:
//   - dataplane.Manager for interface bindings
//   - throughput.Tracker for rates computed from the per-CPU host counters
//   - ipmap.MappingManager for the LPM trie used by the XDP program
//
// # Example Usage
//
//	server, err := api.NewAPIServer(api.DefaultConfig(), manager, tracker, mappings)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Blocks until ctx is cancelled
//	if err := server.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Endpoints
//
// Health check:
//   - GET /api/v1/health  - Simple health check
//   - GET /api/v1/status  - Bindings, throughput totals, mapping count
//   - GET /api/v1/config  - Running API configuration
//
// Throughput:
//   - GET /api/v1/throughput            - Totals of the last tracker update
//   - GET /api/v1/hosts                 - Every host, ordered by address
//   - GET /api/v1/hosts/top?n=10        - Top downloaders
//   - GET /api/v1/hosts/unknown?window= - Unclassified hosts seen recently
//
// IP mappings:
//   - POST   /api/v1/mappings              - Add or replace a mapping
//   - GET    /api/v1/mappings              - List mappings
//   - DELETE /api/v1/mappings?prefix=CIDR  - Delete a mapping
//   - POST   /api/v1/mappings/clear        - Delete every mapping
//
// Metrics:
//   - GET /metrics
//
// # Middleware
//
// The server includes the following middleware:
//   - Recovery: Catches panics and prevents server crashes
//   - Logger: Logs all HTTP requests with timing information
//   - CORS: Optional, for browser dashboards on another origin
package api
