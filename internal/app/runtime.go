package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// MERIDIAN_TEST_MODE short-circuits the binaries before they touch Postgres
// or Redis, so packaging smoke tests can exec them without infrastructure.
const testModeEnv = "MERIDIAN_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeInit sync.Once
)

func readTestMode() {
	on, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testMode.Store(on)
}

// InTestMode reports whether runtime startup should be skipped.
func InTestMode() bool {
	testModeInit.Do(readTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads the environment, for tests that flip the flag.
func RefreshTestMode() {
	readTestMode()
}
