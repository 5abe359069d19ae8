package version

import "fmt"

// Set via -ldflags at build time
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Short returns the bare version string
func Short() string {
	return Version
}

// Info returns a one-line build description
func Info() string {
	return fmt.Sprintf("julesq %s (commit %s, built %s)", Version, Commit, Date)
}

// UserAgent identifies julesq in outbound HTTP requests
func UserAgent() string {
	return "julesq/" + Version
}
