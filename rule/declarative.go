// Package rule implements the one Rule kind the engine ships with: a
// fully declarative target description read from a build file. Per spec
// §9's "declarative-input-only plugin stance", the engine itself never
// interprets source code or invokes a compiler directly — every command a
// target runs is named explicitly in its build file.
package rule

import (
	"encoding/json"
	"os"

	"github.com/nativebuild/sw/pkgid"
	"github.com/nativebuild/sw/plan"
	"github.com/nativebuild/sw/settings"
	"github.com/nativebuild/sw/target"
	"golang.org/x/xerrors"
)

// Spec is the on-disk JSON shape of one target's build file (conventionally
// "sw.json" at a package's root).
type Spec struct {
	Type string `json:"type"`

	Dependencies []DependencySpec `json:"dependencies"`
	Commands     []CommandSpec    `json:"commands"`
	Files        []string         `json:"files"`
}

type DependencySpec struct {
	Path     string          `json:"path"`
	Range    string          `json:"range"`
	Settings json.RawMessage `json:"settings"`
}

type RedirectSpec struct {
	Path   string `json:"path"`
	Append bool   `json:"append"`
}

type CommandSpec struct {
	Program string            `json:"program"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     []string          `json:"env"`
	Inputs  []string          `json:"inputs"`
	Outputs []string          `json:"outputs"`
	Stdin   *RedirectSpec     `json:"stdin"`
	Stdout  *RedirectSpec     `json:"stdout"`
	Stderr  *RedirectSpec     `json:"stderr"`
	After   []int             `json:"after"` // indices into Spec.Commands this one must follow
}

// Load reads and parses a build file from path.
func Load(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Spec
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, xerrors.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

// Declarative is a target.Rule backed entirely by a parsed Spec.
type Declarative struct {
	spec *Spec
}

// New returns a target.Rule for spec.
func New(spec *Spec) target.Rule { return &Declarative{spec: spec} }

func (d *Declarative) Type() string {
	if d.spec.Type == "" {
		return "declarative"
	}
	return d.spec.Type
}

func (d *Declarative) GatherDependencies(t *target.Target) ([]target.Dependency, error) {
	deps := make([]target.Dependency, len(d.spec.Dependencies))
	for i, ds := range d.spec.Dependencies {
		want := settings.NewMap()
		if len(ds.Settings) > 0 {
			parsed, err := settings.Parse(string(ds.Settings))
			if err != nil {
				return nil, xerrors.Errorf("dependency %s: %w", ds.Path, err)
			}
			want = parsed
		}
		deps[i] = target.Dependency{
			Ref:      pkgid.UnresolvedRef{Path: pkgid.ParsePath(ds.Path), Range: ds.Range},
			Settings: want,
		}
	}
	return deps, nil
}

func (d *Declarative) GatherCommands(t *target.Target) ([]*plan.Command, error) {
	cmds := make([]*plan.Command, len(d.spec.Commands))
	for i, cs := range d.spec.Commands {
		cmds[i] = &plan.Command{
			Program: cs.Program,
			Args:    cs.Args,
			Dir:     cs.Dir,
			Env:     cs.Env,
			Inputs:  cs.Inputs,
			Outputs: cs.Outputs,
			Stdin:   convertRedirect(cs.Stdin),
			Stdout:  convertRedirect(cs.Stdout),
			Stderr:  convertRedirect(cs.Stderr),
		}
	}
	for i, cs := range d.spec.Commands {
		for _, dep := range cs.After {
			if dep < 0 || dep >= len(cmds) {
				return nil, xerrors.Errorf("command %d: after index %d out of range", i, dep)
			}
			cmds[i].ExplicitDeps = append(cmds[i].ExplicitDeps, cmds[dep])
		}
	}
	return cmds, nil
}

func (d *Declarative) GatherFiles(t *target.Target) ([]string, error) {
	return d.spec.Files, nil
}

func convertRedirect(r *RedirectSpec) *plan.Redirect {
	if r == nil {
		return nil
	}
	return &plan.Redirect{Path: r.Path, Append: r.Append}
}
