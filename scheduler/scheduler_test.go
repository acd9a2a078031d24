package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nativebuild/sw/cache"
	"github.com/nativebuild/sw/plan"
)

func newTestDBs(t *testing.T) (*cache.FileDB, *cache.CommandDB, string) {
	t.Helper()
	dir := t.TempDir()
	fdb, err := cache.Open(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	cdb, err := cache.OpenCommandDB(dir)
	if err != nil {
		t.Fatal(err)
	}
	return fdb, cdb, dir
}

func TestSchedulerRunsCommandAndCachesResult(t *testing.T) {
	fdb, cdb, dir := newTestDBs(t)
	out := filepath.Join(dir, "out.txt")

	cmd := &plan.Command{Program: "sh", Args: []string{"-c", "echo hi > " + out}}
	p, err := plan.Build([]*plan.Command{cmd}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}

	s := New(fdb, cdb, Options{Workers: 1})
	if err := s.Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected %s to exist: %v", out, err)
	}
	if _, ok := cdb.Lookup(cmd.Key(fdb)); !ok {
		t.Fatal("expected the command's result to be recorded in the command cache")
	}
}

func TestSchedulerSkipsUnchangedOnSecondRun(t *testing.T) {
	fdb, cdb, dir := newTestDBs(t)
	marker := filepath.Join(dir, "marker.txt")
	cmd := &plan.Command{Program: "sh", Args: []string{"-c", "echo 1 >> " + marker}, Outputs: []string{marker}}
	p, err := plan.Build([]*plan.Command{cmd}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}

	s := New(fdb, cdb, Options{Workers: 1})
	if err := s.Run(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	b1, _ := os.ReadFile(marker)

	cmd2 := &plan.Command{Program: "sh", Args: []string{"-c", "echo 1 >> " + marker}, Outputs: []string{marker}}
	p2, err := plan.Build([]*plan.Command{cmd2}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	s2 := New(fdb, cdb, Options{Workers: 1})
	if err := s2.Run(context.Background(), p2); err != nil {
		t.Fatal(err)
	}
	b2, _ := os.ReadFile(marker)
	if string(b1) != string(b2) {
		t.Fatalf("expected second run to be skipped (cache hit): %q vs %q", b1, b2)
	}
}

func TestSchedulerBuildAlwaysForcesRerun(t *testing.T) {
	fdb, cdb, dir := newTestDBs(t)
	marker := filepath.Join(dir, "marker.txt")
	mkCmd := func() *plan.Command {
		return &plan.Command{Program: "sh", Args: []string{"-c", "echo 1 >> " + marker}, Outputs: []string{marker}}
	}

	p1, err := plan.Build([]*plan.Command{mkCmd()}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	s := New(fdb, cdb, Options{Workers: 1})
	if err := s.Run(context.Background(), p1); err != nil {
		t.Fatal(err)
	}

	p2, err := plan.Build([]*plan.Command{mkCmd()}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	s2 := New(fdb, cdb, Options{Workers: 1, BuildAlways: true})
	if err := s2.Run(context.Background(), p2); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("expected marker to have content")
	}
	lines := 0
	for _, c := range b {
		if c == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected build_always to force a second execution (2 lines), got %d", lines)
	}
}

// TestSchedulerIndependentCommandsSurviveSiblingFailure covers scenario S5:
// commands with no interdependencies share a level, and one of them
// failing must not prevent its siblings from running.
func TestSchedulerIndependentCommandsSurviveSiblingFailure(t *testing.T) {
	fdb, cdb, dir := newTestDBs(t)
	outX := filepath.Join(dir, "x.txt")
	outZ := filepath.Join(dir, "z.txt")

	cmdX := &plan.Command{Program: "sh", Args: []string{"-c", "echo x > " + outX}, Outputs: []string{outX}}
	cmdY := &plan.Command{Program: "sh", Args: []string{"-c", "exit 1"}}
	cmdZ := &plan.Command{Program: "sh", Args: []string{"-c", "echo z > " + outZ}, Outputs: []string{outZ}}

	p, err := plan.Build([]*plan.Command{cmdX, cmdY, cmdZ}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Levels) != 1 || len(p.Levels[0]) != 3 {
		t.Fatalf("expected all 3 independent commands to share one level, got %v", p.Levels)
	}

	s := New(fdb, cdb, Options{Workers: 3, SkipErrors: 10})
	if err := s.Run(context.Background(), p); err == nil {
		t.Fatal("expected Run to report Y's failure")
	}
	if _, err := os.Stat(outX); err != nil {
		t.Fatalf("expected X to still run despite Y failing: %v", err)
	}
	if _, err := os.Stat(outZ); err != nil {
		t.Fatalf("expected Z to still run despite Y failing: %v", err)
	}
}

// TestSchedulerCacheMissesWhenDeclaredInputChanges covers scenario S4: a
// command whose only declared input is a plain source file (never any
// command's output) must still miss the cache once that file's mtime
// changes.
func TestSchedulerCacheMissesWhenDeclaredInputChanges(t *testing.T) {
	fdb, cdb, dir := newTestDBs(t)
	src := filepath.Join(dir, "foo.c")
	if err := os.WriteFile(src, []byte("int main(void) { return 0; }"), 0644); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "marker.txt")
	mkCmd := func() *plan.Command {
		return &plan.Command{
			Program: "sh",
			Args:    []string{"-c", "echo 1 >> " + marker},
			Inputs:  []string{src},
			Outputs: []string{marker},
		}
	}
	countLines := func() int {
		b, _ := os.ReadFile(marker)
		n := 0
		for _, c := range b {
			if c == '\n' {
				n++
			}
		}
		return n
	}

	p1, err := plan.Build([]*plan.Command{mkCmd()}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(fdb, cdb, Options{Workers: 1}).Run(context.Background(), p1); err != nil {
		t.Fatal(err)
	}
	if got := countLines(); got != 1 {
		t.Fatalf("expected 1 line after first run, got %d", got)
	}

	p2, err := plan.Build([]*plan.Command{mkCmd()}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(fdb, cdb, Options{Workers: 1}).Run(context.Background(), p2); err != nil {
		t.Fatal(err)
	}
	if got := countLines(); got != 1 {
		t.Fatalf("expected cache hit with unchanged input, got %d lines", got)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(src, future, future); err != nil {
		t.Fatal(err)
	}

	p3, err := plan.Build([]*plan.Command{mkCmd()}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(fdb, cdb, Options{Workers: 1}).Run(context.Background(), p3); err != nil {
		t.Fatal(err)
	}
	if got := countLines(); got != 2 {
		t.Fatalf("expected cache miss after touching declared input, got %d lines", got)
	}
}
