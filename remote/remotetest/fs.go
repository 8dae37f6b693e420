// Description: remotetest package
// In-memory remote file server used by tests. The FS holds the tree,
// Client and Dialer implement the remote interfaces on top of it and
// record every call so tests can assert ordering and serialization.

package remotetest

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/telebroad/ftpweb/remote"
)

// FS is an in-memory directory tree shared by every client dialed from the same Dialer
type FS struct {
	lock  sync.Mutex
	dirs  map[string]time.Time
	files map[string]file
	now   func() time.Time
}

type file struct {
	data    []byte
	modTime time.Time
}

func NewFS() *FS {
	f := &FS{
		dirs:  make(map[string]time.Time),
		files: make(map[string]file),
		now:   time.Now,
	}
	f.dirs["/"] = f.now()
	return f
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// WriteFile stores data at p, creating the parent directories
func (f *FS) WriteFile(p string, data []byte) {
	f.lock.Lock()
	defer f.lock.Unlock()
	p = clean(p)
	f.mkdirAll(path.Dir(p))
	f.files[p] = file{data: append([]byte(nil), data...), modTime: f.now()}
}

// ReadFile returns the content of the file at p
func (f *FS) ReadFile(p string) ([]byte, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	fl, ok := f.files[clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), fl.data...), true
}

// MkdirAll creates the directory and its parents
func (f *FS) MkdirAll(p string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.mkdirAll(clean(p))
}

// IsDir reports whether p is a directory
func (f *FS) IsDir(p string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, ok := f.dirs[clean(p)]
	return ok
}

// Exists reports whether p is a file or a directory
func (f *FS) Exists(p string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	p = clean(p)
	_, isDir := f.dirs[p]
	_, isFile := f.files[p]
	return isDir || isFile
}

func (f *FS) mkdirAll(p string) {
	for d := p; ; d = path.Dir(d) {
		if _, ok := f.dirs[d]; !ok {
			f.dirs[d] = f.now()
		}
		if d == "/" {
			return
		}
	}
}

func (f *FS) list(p string) ([]remote.Entry, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	p = clean(p)
	if _, ok := f.dirs[p]; !ok {
		return nil, &fs.PathError{Op: "list", Path: p, Err: fs.ErrNotExist}
	}
	entries := make([]remote.Entry, 0)
	for d, mod := range f.dirs {
		if d != "/" && path.Dir(d) == p {
			entries = append(entries, remote.Entry{
				Name:        path.Base(d),
				Type:        remote.EntryTypeDirectory,
				ModifiedAt:  mod,
				Permissions: "drwxr-xr-x",
			})
		}
	}
	for name, fl := range f.files {
		if path.Dir(name) == p {
			entries = append(entries, remote.Entry{
				Name:        path.Base(name),
				Type:        remote.EntryTypeFile,
				Size:        int64(len(fl.data)),
				ModifiedAt:  fl.modTime,
				Permissions: "-rw-r--r--",
			})
		}
	}
	// map iteration order is random, hand out a stable but unsorted order
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name > entries[j].Name })
	return entries, nil
}

func (f *FS) read(p string) ([]byte, error) {
	data, ok := f.ReadFile(p)
	if !ok {
		return nil, &fs.PathError{Op: "retrieve", Path: clean(p), Err: fs.ErrNotExist}
	}
	return data, nil
}

func (f *FS) store(p string, data []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	p = clean(p)
	if _, ok := f.dirs[path.Dir(p)]; !ok {
		return &fs.PathError{Op: "store", Path: p, Err: fs.ErrNotExist}
	}
	if _, ok := f.dirs[p]; ok {
		return &fs.PathError{Op: "store", Path: p, Err: fs.ErrExist}
	}
	f.files[p] = file{data: data, modTime: f.now()}
	return nil
}

func (f *FS) makeDirAll(p string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	p = clean(p)
	for d := p; d != "/"; d = path.Dir(d) {
		if _, ok := f.files[d]; ok {
			return &fs.PathError{Op: "mkdir", Path: d, Err: fs.ErrExist}
		}
	}
	f.mkdirAll(p)
	return nil
}

func (f *FS) remove(p string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	p = clean(p)
	if _, ok := f.files[p]; !ok {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
	}
	delete(f.files, p)
	return nil
}

func (f *FS) removeDir(p string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	p = clean(p)
	if p == "/" {
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrPermission}
	}
	if _, ok := f.dirs[p]; !ok {
		return &fs.PathError{Op: "rmdir", Path: p, Err: fs.ErrNotExist}
	}
	prefix := p + "/"
	for d := range f.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			delete(f.dirs, d)
		}
	}
	for name := range f.files {
		if strings.HasPrefix(name, prefix) {
			delete(f.files, name)
		}
	}
	return nil
}

func (f *FS) rename(from, to string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	from, to = clean(from), clean(to)
	if _, ok := f.dirs[path.Dir(to)]; !ok {
		return &fs.PathError{Op: "rename", Path: to, Err: fs.ErrNotExist}
	}
	if fl, ok := f.files[from]; ok {
		delete(f.files, from)
		f.files[to] = fl
		return nil
	}
	if _, ok := f.dirs[from]; !ok || from == "/" {
		return &fs.PathError{Op: "rename", Path: from, Err: fs.ErrNotExist}
	}
	if to == from || strings.HasPrefix(to, from+"/") {
		return fmt.Errorf("rename %s to %s: %w", from, to, fs.ErrInvalid)
	}
	prefix := from + "/"
	dirs := make(map[string]time.Time)
	for d, mod := range f.dirs {
		if d == from || strings.HasPrefix(d, prefix) {
			dirs[to+strings.TrimPrefix(d, from)] = mod
			delete(f.dirs, d)
		}
	}
	files := make(map[string]file)
	for name, fl := range f.files {
		if strings.HasPrefix(name, prefix) {
			files[to+strings.TrimPrefix(name, from)] = fl
			delete(f.files, name)
		}
	}
	for d, mod := range dirs {
		f.dirs[d] = mod
	}
	for name, fl := range files {
		f.files[name] = fl
	}
	return nil
}
