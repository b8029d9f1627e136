package main

import (
	"strings"
	"testing"
	"time"
)

// testConfig resets the global config to values suitable for tests: retries
// wait nothing, disk pressure is off unless a test turns it on.
func testConfig(t *testing.T) {
	t.Helper()
	config.DataDir = t.TempDir()
	config.DockerHost = ""
	config.HubURL = ""
	config.MetadataURL = ""
	config.HubUsername = ""
	config.HubPassword = ""
	config.PullTimeoutSeconds = 300
	config.PullAttempts = 2
	config.RetryWaitSeconds = 0
	config.LookbackWindow = 30
	config.DiskUsagePercent = 100
	engineIndexDelay = time.Millisecond
	diskUsedPercent = func() (float64, error) {
		return 0, nil
	}
}

// tok builds a layer token of the fixed width from a single repeated byte.
func tok(c byte) string {
	return strings.Repeat(string(c), layerTokenWidth)
}
