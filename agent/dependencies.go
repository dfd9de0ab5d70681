package agent

import (
	"context"
	"strings"
	"time"

	"github.com/dvelop42/cocode/cmd"
)

const versionTimeout = 10 * time.Second

// Dependency describes a system tool cocode relies on.
type Dependency struct {
	Name      string `json:"name" yaml:"name"`
	Installed bool   `json:"installed" yaml:"installed"`
	Required  bool   `json:"required" yaml:"required"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
}

// DependencyChecker checks system tools through an Executor.
type DependencyChecker struct {
	exec cmd.Executor
}

func NewDependencyChecker(e cmd.Executor) *DependencyChecker {
	if e == nil {
		e = cmd.MakeExecutor()
	}
	return &DependencyChecker{exec: e}
}

// CheckGit reports git presence and version.
func (d *DependencyChecker) CheckGit(ctx context.Context) Dependency {
	return d.check(ctx, "git", true)
}

// CheckGH reports GitHub CLI presence and version.
func (d *DependencyChecker) CheckGH(ctx context.Context) Dependency {
	return d.check(ctx, "gh", true)
}

// CheckAll runs every dependency check.
func (d *DependencyChecker) CheckAll(ctx context.Context) []Dependency {
	return []Dependency{d.CheckGit(ctx), d.CheckGH(ctx)}
}

// MissingRequired returns the names of required dependencies that are absent.
func MissingRequired(deps []Dependency) []string {
	var missing []string
	for _, dep := range deps {
		if dep.Required && !dep.Installed {
			missing = append(missing, dep.Name)
		}
	}
	return missing
}

func (d *DependencyChecker) check(ctx context.Context, name string, required bool) Dependency {
	dep := Dependency{Name: name, Required: required}
	path, err := d.exec.LookPath(name)
	if err != nil {
		return dep
	}
	dep.Installed = true
	dep.Path = path

	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := d.exec.CombinedOutput(cmd.Command(ctx, "", path, "--version"))
	if err != nil && len(out) == 0 {
		return dep
	}
	// gh prints several lines; the first carries the version
	if line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n"); line != "" {
		dep.Version = strings.TrimSpace(line)
	}
	return dep
}
