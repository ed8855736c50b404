// Package scaffold describes how a fresh environment is turned into a
// framework project with the documentation generator installed.
package scaffold

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/p-arndt/docbox/internal/policy"
)

// ToolPackage is the composer package installed into every project.
const ToolPackage = "wadakatu/laravel-spectrum"

var ErrInvalidToolVersion = errors.New("invalid tool version")

// toolVersionRe accepts composer constraints such as "dev-main", "^1.0",
// "~0.9.2", ">=1.0 <2.0" and "1.*".
var toolVersionRe = regexp.MustCompile(`^[A-Za-z0-9^~<>=!*][A-Za-z0-9^~<>=!*.,|@/_+ -]{0,63}$`)

//go:embed files
var files embed.FS

// Step is one bootstrap command.
type Step struct {
	Name    string
	Argv    []string
	WorkDir string
}

// File is a default source file, path relative to the app root.
type File struct {
	Path    string
	Content []byte
}

// Plan is the ordered bootstrap sequence for one session.
type Plan struct {
	Steps []Step
	Files []File
}

// ValidateToolVersion rejects constraints that cannot be a composer version.
func ValidateToolVersion(v string) error {
	if strings.TrimSpace(v) != v || !toolVersionRe.MatchString(v) {
		return fmt.Errorf("%w: %q", ErrInvalidToolVersion, v)
	}
	return nil
}

// NewPlan builds the bootstrap plan. Framework and version must already have
// passed the compatibility check.
func NewPlan(framework, frameworkVersion, toolVersion string) (*Plan, error) {
	if err := ValidateToolVersion(toolVersion); err != nil {
		return nil, err
	}

	routes, err := files.ReadFile(path.Join("files", framework, "api.php"))
	if err != nil {
		return nil, fmt.Errorf("no default routes for framework %q", framework)
	}

	p := &Plan{
		Steps: []Step{
			{
				Name: "skeleton",
				Argv: []string{
					"composer", "create-project",
					fmt.Sprintf("laravel/%s:^%s.0", framework, frameworkVersion),
					policy.AppRoot,
					"--no-interaction",
					"--prefer-dist",
				},
				WorkDir: "/",
			},
			{
				Name: "tool",
				Argv: []string{
					"composer", "require",
					ToolPackage + ":" + toolVersion,
					"--dev",
					"--no-interaction",
				},
				WorkDir: policy.AppRoot,
			},
		},
		Files: []File{{Path: "routes/api.php", Content: routes}},
	}

	for _, f := range []struct{ src, dst string }{
		{"UserController.php", "app/Http/Controllers/UserController.php"},
		{"StoreUserRequest.php", "app/Http/Requests/StoreUserRequest.php"},
		{"UserResource.php", "app/Http/Resources/UserResource.php"},
	} {
		content, err := files.ReadFile(path.Join("files", "common", f.src))
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", f.src, err)
		}
		p.Files = append(p.Files, File{Path: f.dst, Content: content})
	}

	return p, nil
}
