// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/supportdesk-live/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/supportdesk-live/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/supportdesk-live/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/supportdesk
package version

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown" // UTC, ISO 8601
)

// Product is the name sent in User-Agent headers.
const Product = "supportdesk-live"

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent identifies this build to the REST and WebSocket endpoints.
func UserAgent() string {
	return Product + "/" + Version
}
