package objectstore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPath is returned for paths with empty segments or embedded separators.
var ErrInvalidPath = errors.New("invalid object path")

// Path is a location in object storage: directory segments plus a file name.
// A Path with an empty file name denotes a directory and is used as a List prefix.
// Paths are values; every method returns a new Path.
type Path struct {
	dirs []string
	file string
}

// NewDir returns a directory path built from the given segments.
func NewDir(dirs ...string) Path {
	return Path{dirs: append([]string(nil), dirs...)}
}

// NewPath returns a file path in the given directories.
func NewPath(dirs []string, file string) (Path, error) {
	p := Path{dirs: append([]string(nil), dirs...), file: file}
	if err := p.Validate(); err != nil {
		return Path{}, err
	}
	return p, nil
}

// ParsePath splits a flat "a/b/c.txn" key into directories and a file name.
// A trailing slash yields a directory path.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(s, "/")
	file := segments[len(segments)-1]
	p := Path{dirs: segments[:len(segments)-1], file: file}
	for _, d := range p.dirs {
		if d == "" {
			return Path{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, s)
		}
	}
	return p, nil
}

// MustParsePath is ParsePath for static keys.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Dirs returns a copy of the directory segments.
func (p Path) Dirs() []string {
	return append([]string(nil), p.dirs...)
}

// File returns the file name, or "" for a directory path.
func (p Path) File() string {
	return p.file
}

// IsDir reports whether p has no file name.
func (p Path) IsDir() bool {
	return p.file == ""
}

// IsZero reports whether p is the empty path.
func (p Path) IsZero() bool {
	return len(p.dirs) == 0 && p.file == ""
}

// Join appends directory segments. The file name, if any, is kept.
func (p Path) Join(dirs ...string) Path {
	out := make([]string, 0, len(p.dirs)+len(dirs))
	out = append(out, p.dirs...)
	out = append(out, dirs...)
	return Path{dirs: out, file: p.file}
}

// WithFile returns p with its file name replaced.
func (p Path) WithFile(name string) Path {
	return Path{dirs: p.Dirs(), file: name}
}

// Dir returns p without its file name.
func (p Path) Dir() Path {
	return Path{dirs: p.Dirs()}
}

// HasPrefix reports whether p lies under the directory prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.dirs) > len(p.dirs) {
		return false
	}
	for i, d := range prefix.dirs {
		if p.dirs[i] != d {
			return false
		}
	}
	return true
}

// Equal reports whether two paths name the same location.
func (p Path) Equal(o Path) bool {
	return p.String() == o.String()
}

// Validate checks that every segment is non-empty and free of separators.
func (p Path) Validate() error {
	for _, d := range p.dirs {
		if d == "" || strings.Contains(d, "/") {
			return fmt.Errorf("%w: directory segment %q", ErrInvalidPath, d)
		}
	}
	if p.file == "" {
		return fmt.Errorf("%w: missing file name", ErrInvalidPath)
	}
	if strings.Contains(p.file, "/") {
		return fmt.Errorf("%w: file name %q", ErrInvalidPath, p.file)
	}
	return nil
}

// String returns the object key. Directory paths end with "/".
func (p Path) String() string {
	var b strings.Builder
	for _, d := range p.dirs {
		b.WriteString(d)
		b.WriteByte('/')
	}
	b.WriteString(p.file)
	return b.String()
}
