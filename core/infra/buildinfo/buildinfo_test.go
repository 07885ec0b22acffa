package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestInfoAndLog(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})

	Version = "0.3.0"
	Commit = "deadbee"
	Date = "2026-05-01"

	info := Info()
	if info != "version=0.3.0 commit=deadbee date=2026-05-01" {
		t.Fatalf("unexpected info: %s", info)
	}

	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})

	Log("siteship-deployer")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "siteship-deployer") || !strings.Contains(got, info) {
		t.Fatalf("unexpected log output: %s", got)
	}
}
