// Package env captures details about the sw build environment, resolved
// once at process start the way a singleton would be, but as plain
// package-level vars rather than hidden global state reached for from deep
// inside the engine.
package env

import "os"

// StorageDir is the root of the local content-addressed package storage,
// overridable via SW_STORAGE_DIR.
var StorageDir = findOr("SW_STORAGE_DIR", "$HOME/.cache/sw/storage")

// BuildDir is the root under which .sw/ persisted state lives, overridable
// via SW_BUILD_DIR.
var BuildDir = findOr("SW_BUILD_DIR", ".")

// NumJobs is the default scheduler worker pool size, overridable via
// SW_NUM_JOBS. Zero means "use hardware concurrency".
var NumJobs = findIntOr("SW_NUM_JOBS", 0)

// GitHubToken authenticates resolve.GitHubCatalog requests when set,
// overridable via SW_GITHUB_TOKEN.
var GitHubToken = os.Getenv("SW_GITHUB_TOKEN")

func findOr(envVar, def string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return os.ExpandEnv(def)
}

func findIntOr(envVar string, def int) int {
	v := os.Getenv(envVar)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}
