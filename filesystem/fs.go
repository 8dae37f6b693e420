// Description: filesystem package
// A local directory served through the remote.Client interface, selected with the "local" protocol.
// Paths are virtual, "/" is the served directory and nothing above it can be reached.

package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/telebroad/ftpweb/remote"
)

// ErrOutsideRoot is returned for any path that would leave the served directory
var ErrOutsideRoot = errors.New("access denied: path is outside the root directory")

// Ensure that LocalFS implements the remote.Client interface
var _ remote.Client = &LocalFS{}

// LocalFS is a local file system that implements the remote.Client interface
type LocalFS struct {
	localDir    string // local directory served as the virtual root
	virtualRoot string // always "/"
}

func NewLocalFS(localDir string) *LocalFS {
	return &LocalFS{
		localDir:    filepath.Clean(localDir),
		virtualRoot: "/",
	}
}

// RootDir returns the Root directory of the file system
func (FS *LocalFS) RootDir() string {
	return FS.virtualRoot
}

// securePath cleans the virtual path and refuses any path climbing above the root
func (FS *LocalFS) securePath(pathName string) (string, error) {
	if strings.ContainsRune(pathName, 0) {
		return "", fmt.Errorf("invalid path %q", pathName)
	}
	rel := path.Clean(strings.TrimLeft(filepath.ToSlash(pathName), "/"))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, pathName)
	}
	if rel == "." {
		return FS.virtualRoot, nil
	}
	return path.Join(FS.virtualRoot, rel), nil
}

// cleanPath calls securePath and maps the result to the local path.
// A symbolic link resolving outside the root is refused as well.
func (FS *LocalFS) cleanPath(pathName string) (string, error) {
	virtual, err := FS.securePath(pathName)
	if err != nil {
		return "", err
	}
	local := filepath.Join(FS.localDir, filepath.FromSlash(virtual))
	if err := FS.checkLinks(local); err != nil {
		return "", err
	}
	return local, nil
}

// checkLinks resolves the deepest existing ancestor of local and checks it stays inside the root
func (FS *LocalFS) checkLinks(local string) error {
	root, err := filepath.EvalSymlinks(FS.localDir)
	if err != nil {
		return fmt.Errorf("error resolving root directory: %w", err)
	}
	for p := local; ; p = filepath.Dir(p) {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			rel, err := filepath.Rel(root, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return fmt.Errorf("%w: %s", ErrOutsideRoot, local)
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error resolving path: %w", err)
		}
		if p == FS.localDir || filepath.Dir(p) == p {
			return nil
		}
	}
}

// List returns the entries of the directory, links are resolved when their target is reachable
func (FS *LocalFS) List(dirName string) ([]remote.Entry, error) {
	dirName, err := FS.cleanPath(dirName)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(dirName)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}

	entries := make([]remote.Entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		info, err := d.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Stat(filepath.Join(dirName, d.Name())); err == nil {
				info = target
			}
		}
		entry := remote.Entry{
			Name:        d.Name(),
			Type:        remote.EntryTypeFile,
			Size:        info.Size(),
			ModifiedAt:  info.ModTime(),
			Permissions: info.Mode().String(),
		}
		if info.IsDir() {
			entry.Type = remote.EntryTypeDirectory
			entry.Size = 0
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Retrieve opens the file for reading
func (FS *LocalFS) Retrieve(fileName string) (io.ReadCloser, error) {
	fileName, err := FS.cleanPath(fileName)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("error opening file: %s is a directory", info.Name())
	}
	return file, nil
}

// Store creates or truncates the file and writes the data from the reader
func (FS *LocalFS) Store(fileName string, r io.Reader) error {
	fileName, err := FS.cleanPath(fileName)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating file error: %w", err)
	}
	if _, err = io.Copy(file, r); err != nil {
		_ = file.Close()
		return fmt.Errorf("writing file error: %w", err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("closing and saving file error: %w", err)
	}
	return nil
}

// MakeDirAll creates the directory with any missing parent
func (FS *LocalFS) MakeDirAll(folderName string) error {
	folderName, err := FS.cleanPath(folderName)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(folderName, 0755); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}
	return nil
}

// Remove removes the file, directories are refused
func (FS *LocalFS) Remove(fileName string) error {
	fileName, err := FS.cleanPath(fileName)
	if err != nil {
		return err
	}
	info, err := os.Lstat(fileName)
	if err != nil {
		return fmt.Errorf("error removing file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("error removing file: %s is a directory", info.Name())
	}
	if err = os.Remove(fileName); err != nil {
		return fmt.Errorf("error removing file: %w", err)
	}
	return nil
}

// RemoveDir removes the directory and everything below it, the root itself can not be removed
func (FS *LocalFS) RemoveDir(dirName string) error {
	virtual, err := FS.securePath(dirName)
	if err != nil {
		return err
	}
	if virtual == FS.virtualRoot {
		return fmt.Errorf("error removing directory: %w", os.ErrPermission)
	}
	dirName, err = FS.cleanPath(virtual)
	if err != nil {
		return err
	}
	info, err := os.Lstat(dirName)
	if err != nil {
		return fmt.Errorf("error removing directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("error removing directory: %s is not a directory", info.Name())
	}
	if err = os.RemoveAll(dirName); err != nil {
		return fmt.Errorf("error removing directory: %w", err)
	}
	return nil
}

// Rename renames the file or moves it to a different directory
func (FS *LocalFS) Rename(fileName, newName string) error {
	fileName, err := FS.cleanPath(fileName)
	if err != nil {
		return err
	}
	newName, err = FS.cleanPath(newName)
	if err != nil {
		return err
	}
	if err = os.Rename(fileName, newName); err != nil {
		return fmt.Errorf("error renaming file: %w", err)
	}
	return nil
}

// Alive checks that the served directory is still reachable
func (FS *LocalFS) Alive() error {
	if _, err := StatFS(FS.localDir); err == nil || !errors.Is(err, errors.ErrUnsupported) {
		return err
	}
	info, err := os.Stat(FS.localDir)
	if err != nil {
		return fmt.Errorf("error getting root info: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", FS.localDir)
	}
	return nil
}

// Close has nothing to release
func (FS *LocalFS) Close() error {
	return nil
}
