// Package scheduler executes a built command plan (spec §4.H), grounded
// directly on the teacher's internal/batch.scheduler: a fixed worker pool
// draining a work channel, errgroup for worker lifecycle, and a
// terminal-gated status line.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/nativebuild/sw/cache"
	"github.com/nativebuild/sw/errs"
	"github.com/nativebuild/sw/plan"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Options configures one Run (spec §4.H policies).
type Options struct {
	// Workers bounds parallelism. Zero means runtime.NumCPU().
	Workers int
	// SkipErrors is the number of command failures tolerated before the
	// remaining schedule is cancelled. Zero means fail immediately.
	SkipErrors int
	// BuildAlways disables the cache read path: every command runs, but
	// fingerprints are still written back.
	BuildAlways bool
	// WriteOutputToFile, when set, tees each command's stdout/stderr to
	// "<first declared output>.log" alongside its artifact.
	WriteOutputToFile bool
	// Trace, if non-nil, receives one event per executed command.
	Trace *plan.Trace
}

// Scheduler runs a Plan's commands with bounded parallelism, consulting
// the file and command caches to skip unchanged work.
type Scheduler struct {
	FileDB    *cache.FileDB
	CommandDB *cache.CommandDB
	Opts      Options

	statusMu   sync.Mutex
	status     []string
	lastStatus time.Time

	dedupMu sync.Mutex
	dedup   map[uint64]*dedupEntry
}

type dedupEntry struct {
	done chan struct{}
	err  error
}

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

func New(fdb *cache.FileDB, cdb *cache.CommandDB, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Scheduler{
		FileDB:    fdb,
		CommandDB: cdb,
		Opts:      opts,
		status:    make([]string, opts.Workers),
		dedup:     make(map[uint64]*dedupEntry),
	}
}

// Run executes p level by level: every command in a level has no
// unsatisfied predecessor remaining once earlier levels finish, so
// commands in a level may run concurrently, but execution does not
// advance to the next level until the current one completes (spec §4.H
// ordering guarantee: observable completion order equals topological
// order within one dependency chain).
//
// Within one level, commands are independent by construction (that is
// what makes them share a level), so one command failing never stops its
// siblings from running (spec §4.H skip_errors, scenario S5). Run only
// stops *advancing to further levels* once accumulated failures exceed
// SkipErrors.
func (s *Scheduler) Run(ctx context.Context, p *plan.Plan) error {
	var failures []error
	for _, level := range p.Levels {
		failures = append(failures, s.runLevel(ctx, level)...)
		if len(failures) > s.Opts.SkipErrors {
			return errors.Join(failures...)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	return nil
}

// runLevel runs every command in level with bounded parallelism and
// collects each one's failure without letting it cancel siblings still in
// flight; only an externally cancelled ctx (e.g. an interrupt) stops
// workers from picking up further commands in the level.
func (s *Scheduler) runLevel(ctx context.Context, level []*plan.Command) []error {
	work := make(chan *plan.Command, len(level))
	for _, c := range level {
		work <- c
	}
	close(work)

	var eg errgroup.Group
	var mu sync.Mutex
	var failures []error
	for i := 0; i < s.Opts.Workers; i++ {
		i := i
		eg.Go(func() error {
			for c := range work {
				if ctx.Err() != nil {
					return nil
				}
				if err := s.runOne(ctx, i, c); err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	eg.Wait()
	return failures
}

// runOne executes a single command, deduplicating concurrent requests for
// an identical key (spec §5: "two commands with identical keys executing
// concurrently are deduplicated").
func (s *Scheduler) runOne(ctx context.Context, worker int, c *plan.Command) error {
	s.primeInputs(c)
	key := c.Key(s.FileDB)

	s.dedupMu.Lock()
	if e, ok := s.dedup[key]; ok {
		s.dedupMu.Unlock()
		<-e.done
		return e.err
	}
	e := &dedupEntry{done: make(chan struct{})}
	s.dedup[key] = e
	s.dedupMu.Unlock()

	err := s.execute(ctx, worker, c, key)
	e.err = err
	close(e.done)
	return err
}

func (s *Scheduler) execute(ctx context.Context, worker int, c *plan.Command, key uint64) error {
	if !s.Opts.BuildAlways {
		if outHash, ok := s.CommandDB.Lookup(key); ok && outHash == outputsHash(c) {
			s.updateStatus(worker, "skip (cached) "+c.Program)
			return nil
		}
	}

	s.updateStatus(worker, "run "+c.Program+" "+strings.Join(c.Args, " "))
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	var stdout, stderr io.Writer = os.Stdout, os.Stderr
	var logFile *os.File
	if s.Opts.WriteOutputToFile && len(c.Outputs) > 0 {
		f, err := os.Create(c.Outputs[0] + ".log")
		if err == nil {
			logFile = f
			stdout, stderr = f, f
		}
	}
	if c.Stdout != nil {
		f, err := openRedirect(c.Stdout)
		if err != nil {
			return xerrors.Errorf("%v: %w", c.Args, err)
		}
		defer f.Close()
		stdout = f
	}
	if c.Stderr != nil {
		f, err := openRedirect(c.Stderr)
		if err != nil {
			return xerrors.Errorf("%v: %w", c.Args, err)
		}
		defer f.Close()
		stderr = f
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if c.Stdin != nil {
		f, err := os.Open(c.Stdin.Path)
		if err != nil {
			return xerrors.Errorf("%v: %w", c.Args, err)
		}
		defer f.Close()
		cmd.Stdin = f
	}

	runErr := cmd.Run()
	if logFile != nil {
		logFile.Close()
	}
	dur := time.Since(start)

	if s.Opts.Trace != nil {
		s.Opts.Trace.Event(c.Program, os.Getpid(), worker, start, dur)
	}

	if runErr != nil {
		return xerrors.Errorf("%s %v: %w: %v", c.Program, c.Args, errs.ErrCommandFailed, runErr)
	}

	s.refresh(c)
	if err := s.CommandDB.Upsert(key, outputsHash(c)); err != nil {
		return xerrors.Errorf("updating command cache: %w", err)
	}
	return nil
}

func openRedirect(r *plan.Redirect) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if r.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(r.Path, flags, 0644)
}

// primeInputs stats every input c declares and upserts its current
// fingerprint into the file cache before c's key is computed. Command.Key
// only folds a mtime into the key for inputs it finds in the cache, so a
// plain source file that is never any command's output — never reached by
// refresh below — would otherwise never participate in the cache key at
// all, defeating invariant 5 ("cache hit iff inputs and outputs both
// unchanged") and scenario S4 ("touch foo.c between runs ... cache miss").
func (s *Scheduler) primeInputs(c *plan.Command) {
	for _, in := range c.Inputs {
		stampFile(s.FileDB, in)
	}
}

// refresh updates the file fingerprint cache for every output c declares,
// per spec §4.H "post-execution: refresh fingerprints for every output
// file".
func (s *Scheduler) refresh(c *plan.Command) {
	for _, out := range c.Outputs {
		stampFile(s.FileDB, out)
	}
}

func stampFile(fdb *cache.FileDB, path string) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	fdb.Upsert(&cache.FileRecord{
		Path:          abs,
		LastWriteTime: st.ModTime(),
	})
}

// outputsHash fingerprints a command's declared outputs for the command
// result cache: two runs of the same command produced the same result iff
// their output sets hash identically.
func outputsHash(c *plan.Command) uint64 {
	h := fnv.New64a()
	var buf bytes.Buffer
	for _, out := range c.Outputs {
		st, err := os.Stat(out)
		if err != nil {
			fmt.Fprintf(&buf, "%s\x00missing\x00", out)
			continue
		}
		fmt.Fprintf(&buf, "%s\x00%d\x00%d\x00", out, st.Size(), st.ModTime().UnixNano())
	}
	h.Write(buf.Bytes())
	return h.Sum64()
}

func (s *Scheduler) updateStatus(worker int, line string) {
	if !isTerminal {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if diff := len(s.status[worker]) - len(line); diff > 0 {
		line += strings.Repeat(" ", diff)
	}
	s.status[worker] = line
	if time.Since(s.lastStatus) < 100*time.Millisecond {
		return
	}
	s.lastStatus = time.Now()
	for _, l := range s.status {
		fmt.Println(l)
	}
	fmt.Printf("\033[%dA", len(s.status))
}
