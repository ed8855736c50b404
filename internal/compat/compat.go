// Package compat holds the static framework/PHP compatibility matrix.
//
// The matrix is compiled into the binary from matrix.toml. A session spec is
// accepted only when its (framework, framework version, PHP version) triple
// appears in it.
package compat

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

//go:embed matrix.toml
var matrixTOML []byte

// ErrUnsupported is returned when a version triple is not in the matrix.
var ErrUnsupported = errors.New("unsupported version")

type frameworkEntry struct {
	Versions []string            `toml:"versions"`
	PHP      map[string][]string `toml:"php"`
}

type Matrix struct {
	SpectrumVersions []string                  `toml:"spectrum_versions"`
	PHPVersions      []string                  `toml:"php_versions"`
	Frameworks       map[string]frameworkEntry `toml:"frameworks"`
}

// Parse decodes a matrix document.
func Parse(data []byte) (*Matrix, error) {
	var m Matrix
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("decode matrix: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode matrix: unknown keys %v", undecoded)
	}
	for name, fw := range m.Frameworks {
		for _, v := range fw.Versions {
			if len(fw.PHP[v]) == 0 {
				return nil, fmt.Errorf("framework %s %s lists no PHP versions", name, v)
			}
		}
	}
	return &m, nil
}

var builtin = sync.OnceValue(func() *Matrix {
	m, err := Parse(matrixTOML)
	if err != nil {
		panic("compat: embedded matrix: " + err.Error())
	}
	return m
})

// Default returns the matrix compiled into the binary.
func Default() *Matrix {
	return builtin()
}

// Check reports whether php is supported by framework at frameworkVersion.
// The error lists the supported PHP versions when the pair is known.
func (m *Matrix) Check(framework, frameworkVersion, php string) error {
	fw, ok := m.Frameworks[framework]
	if !ok {
		return fmt.Errorf("%w: unknown framework %q (supported: %s)", ErrUnsupported, framework, strings.Join(m.FrameworkNames(), ", "))
	}
	supported, ok := fw.PHP[frameworkVersion]
	if !ok || !slices.Contains(fw.Versions, frameworkVersion) {
		return fmt.Errorf("%w: unsupported %s version: %s", ErrUnsupported, framework, frameworkVersion)
	}
	if !slices.Contains(supported, php) {
		return fmt.Errorf("%w: %s %s does not support PHP %s. Supported versions: %s",
			ErrUnsupported, framework, frameworkVersion, php, strings.Join(supported, ", "))
	}
	return nil
}

// LatestPHP returns the newest PHP version supported by the pair.
func (m *Matrix) LatestPHP(framework, frameworkVersion string) (string, bool) {
	fw, ok := m.Frameworks[framework]
	if !ok {
		return "", false
	}
	supported := fw.PHP[frameworkVersion]
	if len(supported) == 0 {
		return "", false
	}
	return supported[len(supported)-1], true
}

// FrameworkNames returns the known frameworks in sorted order.
func (m *Matrix) FrameworkNames() []string {
	names := make([]string, 0, len(m.Frameworks))
	for name := range m.Frameworks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type FrameworkDescriptor struct {
	Versions         []string            `json:"versions"`
	PHPCompatibility map[string][]string `json:"php_compatibility"`
}

// Descriptor is the capability document served by GET /v1/versions.
type Descriptor struct {
	Frameworks       map[string]FrameworkDescriptor `json:"frameworks"`
	SpectrumVersions []string                       `json:"spectrum_versions"`
	PHPVersions      []string                       `json:"php_versions"`
}

func (m *Matrix) Descriptor() Descriptor {
	d := Descriptor{
		Frameworks:       make(map[string]FrameworkDescriptor, len(m.Frameworks)),
		SpectrumVersions: slices.Clone(m.SpectrumVersions),
		PHPVersions:      slices.Clone(m.PHPVersions),
	}
	for name, fw := range m.Frameworks {
		php := make(map[string][]string, len(fw.PHP))
		for v, list := range fw.PHP {
			php[v] = slices.Clone(list)
		}
		d.Frameworks[name] = FrameworkDescriptor{
			Versions:         slices.Clone(fw.Versions),
			PHPCompatibility: php,
		}
	}
	return d
}
