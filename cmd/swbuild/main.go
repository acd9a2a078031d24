// Command swbuild is the process entry point for the build engine: it
// wires a session.Session end-to-end (load a declarative build file,
// resolve and prepare its dependency graph, build and execute the command
// plan) and maps engine errors to process exit codes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	sw "github.com/nativebuild/sw"
	"github.com/nativebuild/sw/cache"
	"github.com/nativebuild/sw/errs"
	"github.com/nativebuild/sw/internal/env"
	"github.com/nativebuild/sw/pkgid"
	"github.com/nativebuild/sw/plan"
	"github.com/nativebuild/sw/resolve"
	"github.com/nativebuild/sw/rule"
	"github.com/nativebuild/sw/scheduler"
	"github.com/nativebuild/sw/session"
	"github.com/nativebuild/sw/settings"
	"github.com/nativebuild/sw/target"
	"golang.org/x/xerrors"
)

var (
	buildFile   = flag.String("f", "sw.json", "path to the declarative build file to load")
	planIn      = flag.String("plan", "", "load a saved .swb execution plan instead of (re-)building one")
	planOut     = flag.String("save-plan", "", "write the executed plan to this .swb path after the build succeeds")
	jobs        = flag.Int("j", env.NumJobs, "parallel worker count (0 = hardware concurrency)")
	skipErrors  = flag.Int("skip-errors", 0, "tolerate this many command failures before aborting the remaining schedule")
	buildAlways = flag.Bool("build-always", false, "bypass the cache and force every command to run")
	writeOutput = flag.Bool("write-output-to-file", false, "tee each command's stdout/stderr to a file beside its outputs")
	traceFile   = flag.String("trace", "", "write a Chrome trace event file here (append .gz to compress)")
	debug       = flag.Bool("debug", false, "format errors with additional detail")
)

func funcmain() error {
	flag.Parse()
	ctx, canc := sw.InterruptibleContext()
	defer canc()

	logger := log.New(os.Stderr, "swbuild: ", log.LstdFlags)

	buildDir := env.BuildDir
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return err
	}

	cfgHash := settings.NewMap().Hash()
	fdb, err := cache.Open(buildDir, cfgHash)
	if err != nil {
		return xerrors.Errorf("opening file cache: %w", err)
	}
	cdb, err := cache.OpenCommandDB(buildDir)
	if err != nil {
		return xerrors.Errorf("opening command cache: %w", err)
	}
	sw.RegisterAtExit(fdb.Save)
	sw.RegisterAtExit(cdb.Save)
	defer sw.RunAtExit()
	sw.RegisterOnInterrupt(func() { fdb.Save() })
	sw.RegisterOnInterrupt(func() { cdb.Save() })

	sched := scheduler.New(fdb, cdb, scheduler.Options{
		Workers:           *jobs,
		SkipErrors:        *skipErrors,
		BuildAlways:       *buildAlways,
		WriteOutputToFile: *writeOutput,
	})

	if *traceFile != "" {
		tr, err := plan.OpenTrace(*traceFile, func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		})
		if err != nil {
			return xerrors.Errorf("opening trace file: %w", err)
		}
		defer tr.Close()
		sched.Opts.Trace = tr
	}

	sess := session.New(buildDir, buildResolver(), fdb, cdb)

	var p *plan.Plan
	if *planIn != "" {
		loaded, snapshot, err := plan.Load(*planIn)
		if err != nil {
			return err
		}
		p = loaded
		logger.Printf("loaded plan %s (%d commands)", *planIn, len(p.Commands))
		if err := sched.Run(ctx, p); err != nil {
			return err
		}
		sess.Override(session.Executed, loaded, snapshot)
	} else {
		spec, err := rule.Load(*buildFile)
		if err != nil {
			return err
		}
		root := pkgid.ID{Path: pkgid.ParsePath("root"), Version: pkgid.Version{Variant: "local"}}
		if err := sess.LoadInputs([]session.Input{{
			ID:       root,
			Settings: settings.NewMap(),
			Rule:     rule.New(spec),
		}}); err != nil {
			return err
		}

		if err := sess.Build(ctx, loadResolvedRule, sched); err != nil {
			return err
		}
		p = sess.Plan()
		logger.Printf("built plan: %d commands across %d levels", len(p.Commands), len(p.Levels))

		if *planOut != "" {
			if err := plan.Save(*planOut, p, settings.NewMap()); err != nil {
				return xerrors.Errorf("saving plan: %w", err)
			}
		}
	}

	logger.Printf("build complete")
	return nil
}

// loadResolvedRule builds a Rule for a package the resolver found on some
// catalog. The engine itself interprets no source languages (spec §1
// Non-goals), so the only convention it knows is the same declarative
// build file format the root input uses, expected at the fetched
// package's root as "sw.json".
func loadResolvedRule(id pkgid.ID) (target.Rule, error) {
	storage := &resolve.LocalStorageCatalog{Dir: filepath.Join(env.StorageDir, "packages")}
	dir, err := storage.Fetch(context.Background(), id, filepath.Join(env.BuildDir, "fetched", id.Path.String(), id.Version.String()))
	if err != nil {
		return nil, xerrors.Errorf("fetching %s: %w", id, err)
	}
	spec, err := rule.Load(filepath.Join(dir, "sw.json"))
	if err != nil {
		return nil, xerrors.Errorf("loading build file for %s: %w", id, err)
	}
	return rule.New(spec), nil
}

func buildResolver() *resolve.Resolver {
	storage := &resolve.LocalStorageCatalog{Dir: filepath.Join(env.StorageDir, "packages")}
	catalogs := []resolve.Catalog{storage}
	if repo := os.Getenv("SW_HTTP_CATALOG"); repo != "" {
		catalogs = append(catalogs, resolve.NewHTTPCatalog(repo, filepath.Join(env.StorageDir, "http-cache")))
	}
	if owner, name, ok := githubCatalogFromEnv(); ok {
		catalogs = append(catalogs, resolve.NewGitHubCatalog(owner, name, env.GitHubToken))
	}
	return resolve.New(catalogs...)
}

func githubCatalogFromEnv() (owner, name string, ok bool) {
	spec := os.Getenv("SW_GITHUB_CATALOG") // "owner/repo"
	if spec == "" {
		return "", "", false
	}
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}

func main() {
	if err := funcmain(); err != nil {
		exitCode := errs.ExitCode(err)
		if *debug {
			fmt.Fprintf(os.Stderr, "swbuild: %+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "swbuild: %v\n", err)
		}
		os.Exit(exitCode)
	}
}
