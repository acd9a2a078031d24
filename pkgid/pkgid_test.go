package pkgid

import "testing"

func TestParsePathKinds(t *testing.T) {
	cases := []struct {
		in   string
		kind PathKind
		want []string
	}{
		{"org.example.lib", Relative, []string{"org", "example", "lib"}},
		{"/org.example.lib", Absolute, []string{"org", "example", "lib"}},
		{"local:tools.codegen", Local, []string{"tools", "codegen"}},
	}
	for _, c := range cases {
		p := ParsePath(c.in)
		if p.Kind != c.kind {
			t.Errorf("ParsePath(%q).Kind = %v, want %v", c.in, p.Kind, c.kind)
		}
		if len(p.Components) != len(c.want) {
			t.Fatalf("ParsePath(%q).Components = %v, want %v", c.in, p.Components, c.want)
		}
		for i := range c.want {
			if p.Components[i] != c.want[i] {
				t.Errorf("ParsePath(%q).Components = %v, want %v", c.in, p.Components, c.want)
			}
		}
		if got := p.String(); got != c.in {
			t.Errorf("ParsePath(%q).String() = %q, want %q", c.in, got, c.in)
		}
	}
}

func TestPathEqual(t *testing.T) {
	a := ParsePath("org.example.lib")
	b := ParsePath("org.example.lib")
	c := ParsePath("/org.example.lib")
	if !a.Equal(b) {
		t.Errorf("expected equal relative paths to compare equal")
	}
	if a.Equal(c) {
		t.Errorf("a relative and an absolute path with the same components must not compare equal")
	}
}

func TestParseVersionSemVerVsVariant(t *testing.T) {
	v := ParseVersion("v1.2.3")
	if v.SemVer != "v1.2.3" || v.Variant != "" {
		t.Errorf("ParseVersion(v1.2.3) = %+v", v)
	}
	bare := ParseVersion("1.2.3")
	if bare.SemVer != "v1.2.3" {
		t.Errorf("ParseVersion(1.2.3) should tolerate a missing v prefix, got %+v", bare)
	}
	branch := ParseVersion("branch:main")
	if branch.SemVer != "" || branch.Variant != "branch:main" {
		t.Errorf("ParseVersion(branch:main) = %+v", branch)
	}
}

func TestVersionCompareReleaseBeatsVariant(t *testing.T) {
	release := ParseVersion("v1.0.0")
	variant := ParseVersion("branch:main")
	if release.Compare(variant) <= 0 {
		t.Errorf("a released SemVer version must compare greater than a branch/tag variant")
	}
	if variant.Compare(release) >= 0 {
		t.Errorf("Compare must be antisymmetric")
	}
}

func TestUnresolvedRefSatisfies(t *testing.T) {
	cases := []struct {
		rng  string
		v    string
		want bool
	}{
		{"", "v1.0.0", true},
		{"*", "v2.3.4", true},
		{"=v1.2.3", "v1.2.3", true},
		{"=v1.2.3", "v1.2.4", false},
		{"^v1.2.0", "v1.5.9", true},
		{"^v1.2.0", "v2.0.0", false},
		{"^v1.2.0", "v1.1.0", false},
		{">=v1.2.0", "v1.2.0", true},
		{">=v1.2.0", "v1.1.9", false},
		{"v1.2.3", "v1.2.3", true},
		{"branch:main", "branch:main", true},
		{"branch:main", "branch:dev", false},
	}
	for _, c := range cases {
		ref := UnresolvedRef{Path: ParsePath("org.lib"), Range: c.rng}
		if got := ref.Satisfies(ParseVersion(c.v)); got != c.want {
			t.Errorf("UnresolvedRef{Range: %q}.Satisfies(%q) = %v, want %v", c.rng, c.v, got, c.want)
		}
	}
}

func TestHighestSatisfyingPicksGreatestMatch(t *testing.T) {
	ref := UnresolvedRef{Path: ParsePath("org.lib"), Range: "^v1.0.0"}
	candidates := []Version{
		ParseVersion("v0.9.0"), // below the caret floor
		ParseVersion("v1.2.0"),
		ParseVersion("v1.9.0"), // highest match
		ParseVersion("v2.0.0"), // different major, excluded
	}
	got := HighestSatisfying(ref, candidates)
	if got != 2 {
		t.Fatalf("HighestSatisfying = %d, want 2 (v1.9.0)", got)
	}
}

func TestHighestSatisfyingNoMatch(t *testing.T) {
	ref := UnresolvedRef{Path: ParsePath("org.lib"), Range: "^v3.0.0"}
	candidates := []Version{ParseVersion("v1.0.0"), ParseVersion("v2.0.0")}
	if got := HighestSatisfying(ref, candidates); got != -1 {
		t.Fatalf("HighestSatisfying = %d, want -1", got)
	}
}

func TestHighestSatisfyingTiesKeepFirstCatalogOrder(t *testing.T) {
	ref := UnresolvedRef{Path: ParsePath("org.lib")}
	candidates := []Version{ParseVersion("v1.0.0"), ParseVersion("v1.0.0")}
	if got := HighestSatisfying(ref, candidates); got != 0 {
		t.Fatalf("HighestSatisfying = %d, want 0 (first catalog's match wins a tie)", got)
	}
}

func TestIDString(t *testing.T) {
	id := ID{Path: ParsePath("org.example.lib"), Version: ParseVersion("v1.2.3")}
	if got, want := id.String(), "org.example.lib@v1.2.3"; got != want {
		t.Errorf("ID.String() = %q, want %q", got, want)
	}
}
