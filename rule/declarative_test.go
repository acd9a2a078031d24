package rule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeSpecFile(t *testing.T, s *Spec) string {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sw.json")
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRoundTrip(t *testing.T) {
	spec := &Spec{
		Type: "native.binary",
		Dependencies: []DependencySpec{
			{Path: "org.example.lib", Range: "^v1.0.0"},
		},
		Commands: []CommandSpec{
			{Program: "cc", Args: []string{"-c", "foo.c", "-o", "foo.o"}, Inputs: []string{"foo.c"}, Outputs: []string{"foo.o"}},
		},
		Files: []string{"foo.c"},
	}
	path := writeSpecFile(t, spec)

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != spec.Type {
		t.Errorf("Type = %q, want %q", got.Type, spec.Type)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0].Path != "org.example.lib" {
		t.Errorf("Dependencies = %+v", got.Dependencies)
	}
	if len(got.Commands) != 1 || got.Commands[0].Program != "cc" {
		t.Errorf("Commands = %+v", got.Commands)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing build file")
	}
}

func TestDeclarativeGatherDependencies(t *testing.T) {
	spec := &Spec{
		Dependencies: []DependencySpec{
			{
				Path:     "org.example.lib",
				Range:    "^v1.0.0",
				Settings: json.RawMessage(`{"kind":"map","map":{"arch":{"kind":"scalar","value":"amd64"}}}`),
			},
		},
	}
	d := New(spec)
	deps, err := d.GatherDependencies(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected 1 dependency, got %d", len(deps))
	}
	if deps[0].Ref.Range != "^v1.0.0" {
		t.Errorf("Range = %q, want ^v1.0.0", deps[0].Ref.Range)
	}
	got, err := deps[0].Settings.Get("arch").Value()
	if err != nil {
		t.Fatal(err)
	}
	if got != "amd64" {
		t.Errorf("dependency settings arch = %q, want amd64", got)
	}
}

func TestDeclarativeGatherCommandsWiresAfterToExplicitDeps(t *testing.T) {
	spec := &Spec{
		Commands: []CommandSpec{
			{Program: "cc", Args: []string{"-c", "foo.c"}, Outputs: []string{"foo.o"}},
			{Program: "cc", Args: []string{"-c", "bar.c"}, Outputs: []string{"bar.o"}},
			{Program: "ld", Args: []string{"foo.o", "bar.o"}, After: []int{0, 1}},
		},
	}
	d := New(spec).(*Declarative)
	cmds, err := d.GatherCommands(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 3 {
		t.Fatalf("expected 3 commands, got %d", len(cmds))
	}
	link := cmds[2]
	if len(link.ExplicitDeps) != 2 || link.ExplicitDeps[0] != cmds[0] || link.ExplicitDeps[1] != cmds[1] {
		t.Fatalf("link command's ExplicitDeps = %+v, want [cmds[0], cmds[1]]", link.ExplicitDeps)
	}
}

func TestDeclarativeGatherCommandsRejectsOutOfRangeAfter(t *testing.T) {
	spec := &Spec{
		Commands: []CommandSpec{
			{Program: "ld", After: []int{5}},
		},
	}
	d := New(spec).(*Declarative)
	if _, err := d.GatherCommands(nil); err == nil {
		t.Fatal("expected an error for an out-of-range after index")
	}
}

func TestDeclarativeGatherFiles(t *testing.T) {
	spec := &Spec{Files: []string{"foo.c", "foo.h"}}
	d := New(spec)
	files, err := d.GatherFiles(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "foo.c" || files[1] != "foo.h" {
		t.Fatalf("GatherFiles = %v", files)
	}
}
