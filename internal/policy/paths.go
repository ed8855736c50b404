package policy

import (
	"fmt"
	"path"
	"strings"
)

// writablePaths are the source locations a caller may overwrite. Entries
// ending in "/" are directory prefixes; the rest are exact files.
var writablePaths = []string{
	"routes/api.php",
	"routes/web.php",
	"app/Http/Controllers/",
	"app/Http/Requests/",
	"app/Http/Resources/",
	"app/Models/",
}

// readablePaths extends writablePaths with the generator's output directory.
var readablePaths = append(append([]string{}, writablePaths...), ArtifactDir)

const (
	// AppRoot is where the framework skeleton lives inside an environment.
	AppRoot = "/app"
	// ArtifactDir holds everything the documentation generator writes.
	ArtifactDir = "storage/app/spectrum/"
	// ArtifactPath is the OpenAPI document produced by spectrum:generate.
	ArtifactPath = ArtifactDir + "openapi.json"
)

// WatchedPaths are announced to terminal clients after input, since typed
// commands may have regenerated them.
var WatchedPaths = []string{
	"storage/app/spectrum",
	"config/spectrum.php",
}

// ValidateWritePath checks p against the write allow-list.
func ValidateWritePath(p string) error {
	return validate(p, writablePaths)
}

// ValidateReadPath checks p against the read allow-list.
func ValidateReadPath(p string) error {
	return validate(p, readablePaths)
}

// AbsPath returns the in-environment location of an app-relative path.
func AbsPath(p string) string {
	return path.Join(AppRoot, p)
}

func validate(p string, allowed []string) error {
	if err := checkShape(p); err != nil {
		return err
	}
	for _, a := range allowed {
		if strings.HasSuffix(a, "/") {
			if strings.HasPrefix(p, a) && len(p) > len(a) {
				return nil
			}
			continue
		}
		if p == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s: only specific directories are allowed", ErrInvalidPath, p)
}

func checkShape(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: path is required", ErrInvalidPath)
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("%w: %s: must be relative to the app root", ErrInvalidPath, p)
	case strings.ContainsAny(p, "\x00\\"):
		return fmt.Errorf("%w: %s: contains forbidden characters", ErrInvalidPath, p)
	case strings.HasSuffix(p, "/"):
		return fmt.Errorf("%w: %s: must name a file", ErrInvalidPath, p)
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." || elem == "." || elem == "" {
			return fmt.Errorf("%w: %s: must not contain empty, . or .. elements", ErrInvalidPath, p)
		}
	}
	if path.Clean(p) != p {
		return fmt.Errorf("%w: %s: not a clean path", ErrInvalidPath, p)
	}
	return nil
}
