package buildinfo

import (
	"fmt"

	"github.com/cordum/ckptpub/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// UserAgent identifies the publisher to remote APIs that require one.
func UserAgent() string {
	return "ckptpub/" + Version
}

// Log records which build a command is running, once at startup.
func Log(service string) {
	logging.Info("buildinfo", "starting", "service", service, "version", Version, "commit", Commit, "date", Date)
}
