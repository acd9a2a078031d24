// Package plan implements the command dependency graph and execution
// planner (spec §4.F): building a DAG over commands, detecting cycles via
// strongly connected components, and partitioning a valid DAG into
// topologically-ordered levels ready for the scheduler.
package plan

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"path/filepath"
	"sync"

	"github.com/nativebuild/sw/cache"
)

// Redirect names a file a command's standard stream should be bound to.
type Redirect struct {
	Path   string
	Append bool
}

// Command is one program invocation: its argument vector, environment,
// declared inputs/outputs, and optional stream redirections (spec §3).
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Inputs  []string
	Outputs []string

	Stdin  *Redirect
	Stdout *Redirect
	Stderr *Redirect

	// ExplicitDeps lists commands this one must run after, even absent a
	// file produced/consumed relationship (spec §4.F: "or v explicitly
	// lists u as a dependency").
	ExplicitDeps []*Command

	keyOnce sync.Once
	key     uint64
}

// Key returns the command's stable cache key: hash(program ∥ args ∥ env ∥
// inputs' fingerprints). Per spec §3, it may only be called after prepare
// has resolved every lazy argument onto the Command's fields — Key()
// memoizes its result under the assumption that Program/Args/Env/Inputs
// never change after the first call.
func (c *Command) Key(fdb *cache.FileDB) uint64 {
	c.keyOnce.Do(func() {
		h := fnv.New64a()
		io.WriteString(h, c.Program)
		h.Write([]byte{0})
		for _, a := range c.Args {
			io.WriteString(h, a)
			h.Write([]byte{0})
		}
		for _, e := range c.Env {
			io.WriteString(h, e)
			h.Write([]byte{0})
		}
		for _, in := range c.Inputs {
			io.WriteString(h, in)
			h.Write([]byte{0})
			lookupPath := in
			if abs, err := filepath.Abs(in); err == nil {
				lookupPath = abs
			}
			if rec, ok := fdb.Lookup(lookupPath); ok {
				var nanos [8]byte
				binary.LittleEndian.PutUint64(nanos[:], uint64(rec.LastWriteTime.UnixNano()))
				h.Write(nanos[:])
			}
		}
		c.key = h.Sum64()
	})
	return c.key
}
