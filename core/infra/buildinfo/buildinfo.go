package buildinfo

import (
	"fmt"
	"log"
)

// Set at link time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary with the binary name.
func Log(binary string) {
	log.Printf("%s %s", binary, Info())
}
