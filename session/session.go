// Package session implements the staged build state machine (spec §4.G):
// LoadInputs -> SetTargetsToBuild -> ResolvePackages -> LoadPackages ->
// Prepare -> Execute, with monotonic stage transitions and an explicit
// override escape hatch for resuming a saved plan.
package session

import (
	"context"
	"os"
	"path/filepath"

	"github.com/nativebuild/sw/cache"
	"github.com/nativebuild/sw/errs"
	"github.com/nativebuild/sw/pkgid"
	"github.com/nativebuild/sw/plan"
	"github.com/nativebuild/sw/resolve"
	"github.com/nativebuild/sw/scheduler"
	"github.com/nativebuild/sw/settings"
	"github.com/nativebuild/sw/target"
	"golang.org/x/xerrors"
)

// Stage is a point in the build pipeline.
type Stage int

const (
	NotStarted Stage = iota
	InputsLoaded
	TargetsToBuildSet
	PackagesResolved
	PackagesLoaded
	Prepared
	Executed
)

func (s Stage) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case InputsLoaded:
		return "InputsLoaded"
	case TargetsToBuildSet:
		return "TargetsToBuildSet"
	case PackagesResolved:
		return "PackagesResolved"
	case PackagesLoaded:
		return "PackagesLoaded"
	case Prepared:
		return "Prepared"
	case Executed:
		return "Executed"
	default:
		return "Unknown"
	}
}

// Input is one build input: a root package to construct and the settings
// it should be built with.
type Input struct {
	ID       pkgid.ID
	Settings *settings.Value
	Rule     target.Rule
}

// Session holds the entire state of one build run: the known inputs, the
// full target map, the to-build subset, and the current stage. Stage
// transitions are monotonic except via Override, used only when resuming
// a saved .swb plan (spec §4.G invariant).
type Session struct {
	BuildDir   string
	Resolver   *resolve.Resolver
	FileDB     *cache.FileDB
	CommandDB  *cache.CommandDB

	stage Stage

	inputs        []Input
	targets       map[string]*target.Container // keyed by pkgid.ID.String()
	toBuild       []*target.Target
	resolvedRefs  map[string]pkgid.ID // unresolved ref string -> resolved ID, cached across passes
	plan          *plan.Plan
	snapshot      *settings.Value
}

// New returns a session at NotStarted.
func New(buildDir string, r *resolve.Resolver, fdb *cache.FileDB, cdb *cache.CommandDB) *Session {
	return &Session{
		BuildDir:     buildDir,
		Resolver:     r,
		FileDB:       fdb,
		CommandDB:    cdb,
		targets:      make(map[string]*target.Container),
		resolvedRefs: make(map[string]pkgid.ID),
	}
}

// Stage returns the session's current stage.
func (s *Session) Stage() Stage { return s.stage }

// Override forcibly sets the current stage, bypassing the monotonic
// transition assertion, and records p and snapshot as the session's plan.
// Used only when resuming a saved plan: cmd/swbuild runs the loaded plan
// itself and then calls Override with Executed.
func (s *Session) Override(stage Stage, p *plan.Plan, snapshot *settings.Value) {
	s.stage = stage
	s.plan = p
	s.snapshot = snapshot
}

func (s *Session) assert(expected Stage) error {
	if s.stage != expected {
		return xerrors.Errorf("expected stage %s, got %s: %w", expected, s.stage, errs.ErrUnexpectedBuildState)
	}
	return nil
}

// LoadInputs records the build's root inputs (NotStarted -> InputsLoaded).
func (s *Session) LoadInputs(inputs []Input) error {
	if err := s.assert(NotStarted); err != nil {
		return err
	}
	s.inputs = inputs
	s.stage = InputsLoaded
	return nil
}

// SetTargetsToBuild constructs a Target for every input and registers it
// in the target map (InputsLoaded -> TargetsToBuildSet).
func (s *Session) SetTargetsToBuild() error {
	if err := s.assert(InputsLoaded); err != nil {
		return err
	}
	for _, in := range s.inputs {
		t, err := target.New(in.ID, in.Settings, in.Rule)
		if err != nil {
			return xerrors.Errorf("constructing target %s: %w", in.ID, err)
		}
		key := in.ID.String()
		c, ok := s.targets[key]
		if !ok {
			c = target.NewContainer()
			s.targets[key] = c
		}
		if _, exists := c.Lookup(in.Settings); !exists {
			c.Add(t)
		}
		s.toBuild = append(s.toBuild, t)
	}
	s.stage = TargetsToBuildSet
	return nil
}

// ResolvePackages resolves every currently-known unresolved dependency
// reference to a concrete package ID via the Resolver, without yet
// materializing targets for them (TargetsToBuildSet -> PackagesResolved).
func (s *Session) ResolvePackages(ctx context.Context) error {
	if err := s.assert(TargetsToBuildSet); err != nil {
		return err
	}
	for _, c := range s.targets {
		for _, t := range c.Targets() {
			for _, d := range t.Dependencies() {
				key := d.Ref.String()
				if _, ok := s.resolvedRefs[key]; ok {
					continue
				}
				resolved, err := s.Resolver.Resolve(ctx, d.Ref)
				if err != nil {
					return xerrors.Errorf("resolving %s: %w", d.Ref, err)
				}
				if resolved == nil {
					return xerrors.Errorf("%s: %w", d.Ref, errs.ErrUnresolvedDependency)
				}
				s.resolvedRefs[key] = resolved.ID
			}
		}
	}
	s.stage = PackagesResolved
	return nil
}

// LoadPackages materializes a Target for every resolved dependency that
// doesn't already have one (PackagesResolved -> PackagesLoaded). Callers
// supply loadRule to construct the right Rule for a resolved package ID —
// session has no notion of how packages are built, only that they are.
func (s *Session) LoadPackages(loadRule func(id pkgid.ID) (target.Rule, error)) error {
	if err := s.assert(PackagesResolved); err != nil {
		return err
	}
	for _, id := range s.resolvedRefs {
		key := id.String()
		if c, ok := s.targets[key]; ok && c.Len() > 0 {
			continue
		}
		rule, err := loadRule(id)
		if err != nil {
			return xerrors.Errorf("loading %s: %w", id, err)
		}
		t, err := target.New(id, settings.NewMap(), rule)
		if err != nil {
			return xerrors.Errorf("constructing target %s: %w", id, err)
		}
		c, ok := s.targets[key]
		if !ok {
			c = target.NewContainer()
			s.targets[key] = c
		}
		c.Add(t)
	}
	s.stage = PackagesLoaded
	return nil
}

// Prepare drives the fixpoint iteration binding every target's
// dependencies to a concrete Target (PackagesLoaded -> Prepared).
func (s *Session) Prepare() error {
	if err := s.assert(PackagesLoaded); err != nil {
		return err
	}
	resolveFn := func(ref pkgid.UnresolvedRef, want *settings.Value) (*target.Target, bool) {
		id, ok := s.resolvedRefs[ref.String()]
		if !ok {
			return nil, false
		}
		c, ok := s.targets[id.String()]
		if !ok {
			return nil, false
		}
		return c.FindSuitable(want)
	}

	const maxPasses = 64
	for pass := 0; pass < maxPasses; pass++ {
		anyUnresolved := false
		for _, c := range s.targets {
			for _, t := range c.Targets() {
				more, err := t.Prepare(resolveFn)
				if err != nil {
					return err
				}
				if more {
					anyUnresolved = true
				}
			}
		}
		if !anyUnresolved {
			s.stage = Prepared
			return nil
		}
	}
	return xerrors.Errorf("dependency fixpoint did not converge after %d passes: %w", maxPasses, errs.ErrUnresolvedDependency)
}

// Execute builds the command graph for every to-build target, checks it
// for cycles, and runs it to completion via sched (Prepared -> Executed).
// The stage only advances to Executed once the plan has actually run, per
// spec §4.G's state diagram and scenario S1 ("after execution foo.o
// exists") — building a Plan without running it leaves the session at
// Prepared.
func (s *Session) Execute(ctx context.Context, sched *scheduler.Scheduler) (*plan.Plan, error) {
	if err := s.assert(Prepared); err != nil {
		return nil, err
	}
	if err := s.primeFiles(); err != nil {
		return nil, err
	}
	var cmds []*plan.Command
	seen := make(map[*plan.Command]bool)
	for _, t := range s.toBuild {
		ts, err := t.Commands()
		if err != nil {
			return nil, err
		}
		for _, c := range ts {
			if !seen[c] {
				seen[c] = true
				cmds = append(cmds, c)
			}
		}
	}
	p, err := plan.Build(cmds, s.FileDB, s.BuildDir)
	if err != nil {
		return nil, err
	}
	s.plan = p
	if err := sched.Run(ctx, p); err != nil {
		return nil, err
	}
	s.stage = Executed
	return p, nil
}

// primeFiles seeds the file fingerprint cache with every file each
// target in the session directly claims (Rule.GatherFiles), so plain source
// files that never appear as any command's declared output still get a
// fingerprint before the command graph's keys are computed.
func (s *Session) primeFiles() error {
	for _, c := range s.targets {
		for _, t := range c.Targets() {
			files, err := t.Files()
			if err != nil {
				return xerrors.Errorf("gathering files for %s: %w", t.ID, err)
			}
			for _, f := range files {
				st, err := os.Stat(f)
				if err != nil {
					continue
				}
				abs, err := filepath.Abs(f)
				if err != nil {
					abs = f
				}
				s.FileDB.Upsert(&cache.FileRecord{Path: abs, LastWriteTime: st.ModTime()})
			}
		}
	}
	return nil
}

// Step performs the next transition in the pipeline and reports whether
// further transitions remain. sched is only consulted for the final
// Prepared -> Executed transition.
func (s *Session) Step(ctx context.Context, loadRule func(id pkgid.ID) (target.Rule, error), sched *scheduler.Scheduler) (bool, error) {
	switch s.stage {
	case NotStarted:
		return false, xerrors.Errorf("Step called before LoadInputs: %w", errs.ErrUnexpectedBuildState)
	case InputsLoaded:
		return true, s.SetTargetsToBuild()
	case TargetsToBuildSet:
		return true, s.ResolvePackages(ctx)
	case PackagesResolved:
		return true, s.LoadPackages(loadRule)
	case PackagesLoaded:
		return true, s.Prepare()
	case Prepared:
		_, err := s.Execute(ctx, sched)
		return false, err
	case Executed:
		return false, nil
	default:
		return false, xerrors.Errorf("unknown stage %d: %w", s.stage, errs.ErrUnexpectedBuildState)
	}
}

// Build runs Step to completion, ending with sched having actually run the
// built plan.
func (s *Session) Build(ctx context.Context, loadRule func(id pkgid.ID) (target.Rule, error), sched *scheduler.Scheduler) error {
	for {
		more, err := s.Step(ctx, loadRule, sched)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// Plan returns the most recently built or loaded plan, if any.
func (s *Session) Plan() *plan.Plan { return s.plan }

// Snapshot returns the settings snapshot associated with a loaded plan.
func (s *Session) Snapshot() *settings.Value { return s.snapshot }
