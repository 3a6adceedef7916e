package domain

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input   string
		want    Version
		wantErr bool
	}{
		{"1.2.3", Version{1, 2, 3}, false},
		{"v1.2.3", Version{1, 2, 3}, false},
		{"0.0.0", Version{0, 0, 0}, false},
		{"10.20.30", Version{10, 20, 30}, false},
		{"1.2", Version{}, true},
		{"abc", Version{}, true},
		{"1.2.x", Version{}, true},
		{"", Version{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseVersion(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseVersion(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseVersion(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConstraintCheck(t *testing.T) {
	tests := []struct {
		constraint string
		version    string
		want       bool
	}{
		{"1.2.3", "1.2.3", true},
		{"1.2.3", "1.2.4", false},
		{"@1.2.3", "1.2.3", true},
		{">=1.0.0", "1.0.0", true},
		{">=1.0.0", "2.5.0", true},
		{">=1.0.0", "0.9.9", false},
		{"^1.2.0", "1.2.7", true},
		{"^1.2.0", "1.9.0", true},
		{"^1.2.0", "2.0.0", false},
		{"^1.2.0", "1.1.9", false},
		{"~1.2.0", "1.2.9", true},
		{"~1.2.0", "1.3.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.constraint+"_"+tt.version, func(t *testing.T) {
			c, err := ParseConstraint(tt.constraint)
			if err != nil {
				t.Fatalf("ParseConstraint(%q): %v", tt.constraint, err)
			}
			v, err := ParseVersion(tt.version)
			if err != nil {
				t.Fatalf("ParseVersion(%q): %v", tt.version, err)
			}
			if got := c.Check(v); got != tt.want {
				t.Errorf("(%s).Check(%s) = %v, want %v", tt.constraint, tt.version, got, tt.want)
			}
		})
	}
}

func TestParseConstraintErrors(t *testing.T) {
	for _, input := range []string{"", "^", ">=x.y.z", "~1.2"} {
		if _, err := ParseConstraint(input); err == nil {
			t.Errorf("ParseConstraint(%q) expected error", input)
		}
	}
}

func TestParseDependency(t *testing.T) {
	tests := []struct {
		input   string
		want    Dependency
		wantErr bool
	}{
		{"pkg-s:left-pad@1.3.0", Dependency{Name: "pkg-s:left-pad", Type: DependencyPackage, Version: "@1.3.0"}, false},
		{"pkg-p:requests>=2.31.0", Dependency{Name: "pkg-p:requests", Type: DependencyPackage, Version: ">=2.31.0"}, false},
		{"pkg-m:lib^1.2.0", Dependency{Name: "pkg-m:lib", Type: DependencyPackage, Version: "^1.2.0"}, false},
		{"plugin:formatter@1.0.0", Dependency{Name: "formatter", Type: DependencyPluginRef, Version: "@1.0.0"}, false},
		{"file:lib/helpers.py", Dependency{Name: "lib/helpers.py", Type: DependencyFileRef}, false},
		{"pkg-s:noversion", Dependency{Name: "pkg-s:noversion", Type: DependencyPackage}, false},
		{"pkg-x:lib@1.0.0", Dependency{}, true},
		{"no-scheme", Dependency{}, true},
		{"pkg-s:lib@bad", Dependency{}, true},
		{"", Dependency{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDependency(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDependency(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseDependency(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDependencyScheme(t *testing.T) {
	d, err := ParseDependency("pkg-s:lib^1.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if d.Scheme() != SchemeNode {
		t.Errorf("Scheme() = %q, want %q", d.Scheme(), SchemeNode)
	}
	if d.PackageName() != "lib" {
		t.Errorf("PackageName() = %q, want lib", d.PackageName())
	}
}
