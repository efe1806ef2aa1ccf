// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"os"
	"testing"
)

// RequireIntegration skips the test in short mode, and in CI unless
// INTEGRATION_TESTS is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") == "" && os.Getenv("CI") != "" {
		t.Skip("skipping integration test (set INTEGRATION_TESTS=1 to run)")
	}
}

// SkipUnlessStarted skips the test when a test dependency could not start,
// typically because no container runtime is available.
func SkipUnlessStarted(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("skipping: %s unavailable: %v", what, err)
	}
}
