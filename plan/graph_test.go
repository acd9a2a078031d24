package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nativebuild/sw/cache"
	"github.com/nativebuild/sw/errs"
	"golang.org/x/xerrors"
)

func openTestFileDB(t *testing.T) (*cache.FileDB, string) {
	t.Helper()
	dir := t.TempDir()
	fdb, err := cache.Open(dir, "test")
	if err != nil {
		t.Fatal(err)
	}
	return fdb, dir
}

func TestBuildOrdersByProducerConsumer(t *testing.T) {
	fdb, dir := openTestFileDB(t)
	compile := &Command{Program: "cc", Args: []string{"-c", "foo.c"}, Inputs: []string{"foo.c"}, Outputs: []string{"foo.o"}}
	link := &Command{Program: "cc", Args: []string{"foo.o"}, Inputs: []string{"foo.o"}, Outputs: []string{"foo"}}

	p, err := Build([]*Command{link, compile}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(p.Levels), p.Levels)
	}
	if len(p.Levels[0]) != 1 || p.Levels[0][0] != compile {
		t.Fatalf("expected compile in level 0, got %v", p.Levels[0])
	}
	if len(p.Levels[1]) != 1 || p.Levels[1][0] != link {
		t.Fatalf("expected link in level 1, got %v", p.Levels[1])
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	fdb, dir := openTestFileDB(t)
	a := &Command{Program: "a", Outputs: []string{"a.out"}, Inputs: []string{"b.out"}}
	b := &Command{Program: "b", Outputs: []string{"b.out"}, Inputs: []string{"a.out"}}

	_, err := Build([]*Command{a, b}, fdb, dir)
	if !xerrors.Is(err, errs.ErrCyclicDependencies) {
		t.Fatalf("expected ErrCyclicDependencies, got %v", err)
	}
	dump := filepath.Join(dir, "cyclic", "0")
	if _, statErr := os.Stat(dump); statErr != nil {
		t.Fatalf("expected cyclic dump at %s: %v", dump, statErr)
	}
}

func TestBuildIndependentCommandsShareLevel(t *testing.T) {
	fdb, dir := openTestFileDB(t)
	a := &Command{Program: "a", Outputs: []string{"a.out"}}
	b := &Command{Program: "b", Outputs: []string{"b.out"}}

	p, err := Build([]*Command{a, b}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Levels) != 1 || len(p.Levels[0]) != 2 {
		t.Fatalf("expected both commands in one level, got %v", p.Levels)
	}
}

func TestBuildExplicitDeps(t *testing.T) {
	fdb, dir := openTestFileDB(t)
	first := &Command{Program: "first"}
	second := &Command{Program: "second", ExplicitDeps: []*Command{first}}

	p, err := Build([]*Command{second, first}, fdb, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Levels) != 2 {
		t.Fatalf("expected 2 levels due to explicit dep, got %d", len(p.Levels))
	}
	if p.Levels[0][0] != first || p.Levels[1][0] != second {
		t.Fatalf("explicit dep ordering not honored: %v", p.Levels)
	}
}
