package board

import (
	"bytes"
	"io/fs"
	"path"
	"time"
)

// ImageFS serves in-memory executables and falls back to a base file system
// for every other name.
type ImageFS struct {
	base   fs.FS
	images map[string][]byte
}

// NewImageFS returns an empty ImageFS on top of base, which may be nil.
func NewImageFS(base fs.FS) *ImageFS {
	return &ImageFS{base: base, images: make(map[string][]byte)}
}

// Add registers an executable under name, replacing any previous one.
func (f *ImageFS) Add(name string, image []byte) error {
	if !fs.ValidPath(name) || name == "." {
		return &fs.PathError{Op: "add", Path: name, Err: fs.ErrInvalid}
	}
	f.images[name] = image
	return nil
}

// AddSource assembles source and registers the resulting executable under
// name.
func (f *ImageFS) AddSource(name, source string) error {
	prog, err := Assemble(source)
	if err != nil {
		return &fs.PathError{Op: "assemble", Path: name, Err: err}
	}
	return f.Add(name, prog.ELF())
}

// Names returns the names of the in-memory executables.
func (f *ImageFS) Names() []string {
	names := make([]string, 0, len(f.images))
	for name := range f.images {
		names = append(names, name)
	}
	return names
}

// Open implements fs.FS.
func (f *ImageFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	if data, ok := f.images[name]; ok {
		return &imageFile{Reader: bytes.NewReader(data), name: path.Base(name), size: int64(len(data))}, nil
	}

	if f.base == nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return f.base.Open(name)
}

type imageFile struct {
	*bytes.Reader
	name   string
	size   int64
	closed bool
}

func (f *imageFile) Stat() (fs.FileInfo, error) { return f, nil }

func (f *imageFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.Reader.Read(p)
}

func (f *imageFile) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	return nil
}

func (f *imageFile) Name() string       { return f.name }
func (f *imageFile) Size() int64        { return f.size }
func (f *imageFile) Mode() fs.FileMode  { return 0o555 }
func (f *imageFile) ModTime() time.Time { return time.Time{} }
func (f *imageFile) IsDir() bool        { return false }
func (f *imageFile) Sys() any           { return nil }
