package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Default project names shipped with the toolkit.
const (
	DefaultPixelProject  = "PIXEL_cFosDAB_TiffIO_Generic"
	DefaultObjectProject = "OBJECT_cFosDAB_TiffIO_Generic"
	ProjectExt           = ".ilp"
)

// DiscoverProjects lists trained *.ilp projects in dir keyed by base name.
func DiscoverProjects(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("models dir: %w", err)
	}

	projects := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ProjectExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		projects[name] = filepath.Join(dir, entry.Name())
	}
	return projects, nil
}

// ProjectNames returns the keys of projects in sorted order.
func ProjectNames(projects map[string]string) []string {
	names := make([]string, 0, len(projects))
	for name := range projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveProject accepts either a path to an .ilp file or a name from projects.
func ResolveProject(nameOrPath string, projects map[string]string) (string, error) {
	if nameOrPath == "" {
		return "", fmt.Errorf("classifier project not set")
	}
	if strings.EqualFold(filepath.Ext(nameOrPath), ProjectExt) {
		if _, err := os.Stat(nameOrPath); err == nil {
			return nameOrPath, nil
		}
	}
	if path, ok := projects[nameOrPath]; ok {
		return path, nil
	}
	return "", fmt.Errorf("classifier project %q not found", nameOrPath)
}
