package cache

import (
	"hash/fnv"
	"os"
	"strconv"
)

// moduleHash identifies the current process instance for the purposes of
// naming its private "log_<module-hash>.bin" delta log (spec §6): distinct
// processes append to distinct logs so that concurrent appends never
// interleave, and load() only ever has to merge complete logs left behind
// by processes that exited (or are still running, appending to their own
// file).
//
// The C++ ancestor hashes the build's own shared-library module path
// (getCurrentModuleNameHash); Go binaries have no equivalent loadable
// module identity, so this hashes the executable path together with the
// process id, which is equally unique per-instance and equally stable for
// the lifetime of one process.
func moduleHash() string {
	h := fnv.New64a()
	if exe, err := os.Executable(); err == nil {
		h.Write([]byte(exe))
	}
	h.Write([]byte(strconv.Itoa(os.Getpid())))
	return strconv.FormatUint(h.Sum64(), 16)
}

// pathHash returns the 64-bit digest used to key file records and compute
// command keys' input fingerprints.
func pathHash(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}
