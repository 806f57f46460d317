package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/allegro/zuul-go/filters"
)

// Location is a directory of filter source files. When the phase is
// set, all the files in the directory belong to that phase. Otherwise
// the phase is taken from the <phase>_<name>.<ext> file name, or from the
// declaration in the source.
type Location struct {
	Dir   string
	Phase filters.Phase
}

// Descriptor of a filter source file found by Scan.
type Descriptor struct {
	Path        string
	Name        string
	Phase       filters.Phase
	Ext         string
	Fingerprint uint64
	Source      []byte
}

// Metadata returns the metadata passed to the compilers.
func (d Descriptor) Metadata() Metadata {
	return Metadata{
		Path:        d.Path,
		Name:        d.Name,
		Phase:       d.Phase,
		Fingerprint: d.Fingerprint,
	}
}

// Fingerprint returns the 64-bit xxhash of the source.
func Fingerprint(source []byte) uint64 {
	return xxhash.Sum64(source)
}

// ParseFileName returns the name of the filter and, when the file name
// has a valid phase prefix, its phase.
func ParseFileName(base string) (string, filters.Phase) {
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if prefix, rest, ok := strings.Cut(name, "_"); ok && rest != "" {
		if p, err := filters.ParsePhase(prefix); err == nil {
			return rest, p
		}
	}

	return name, ""
}

func scanLocation(l Location, extensions map[string]bool) ([]Descriptor, error) {
	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var d []Descriptor
	for _, e := range entries {
		base := e.Name()
		ext := strings.ToLower(filepath.Ext(base))
		if strings.HasPrefix(base, ".") || !extensions[ext] || e.IsDir() {
			continue
		}

		// symlinks are followed
		p := filepath.Join(l.Dir, base)
		if info, err := os.Stat(p); err != nil || !info.Mode().IsRegular() {
			continue
		}

		source, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, err
		}

		name, phase := ParseFileName(base)
		if l.Phase != "" {
			if phase != l.Phase {
				name = strings.TrimSuffix(base, filepath.Ext(base))
			}

			phase = l.Phase
		}

		d = append(d, Descriptor{
			Path:        p,
			Name:        name,
			Phase:       phase,
			Ext:         ext,
			Fingerprint: Fingerprint(source),
			Source:      source,
		})
	}

	return d, nil
}

// Scan lists the filter source files with the given extensions in the
// locations, sorted by path. A location that doesn't exist is treated
// as empty. Hidden files are ignored.
func Scan(locations []Location, extensions ...string) ([]Descriptor, error) {
	exts := make(map[string]bool)
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}

	var all []Descriptor
	seen := make(map[string]bool)
	for _, l := range locations {
		d, err := scanLocation(l, exts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", l.Dir, err)
		}

		for _, di := range d {
			if seen[di.Path] {
				continue
			}

			seen[di.Path] = true
			all = append(all, di)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return all, nil
}
