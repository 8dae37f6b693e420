package proxy

import (
	"path"
	"strings"

	"github.com/telebroad/ftpweb/tools"
)

// remotePath checks a caller supplied remote path and cleans it with slash rules.
// Relative paths resolve from the root, ".." never climbs above it.
func remotePath(op, p string) (string, error) {
	if p == "" {
		return "", newError(KindInvalidRequest, op, "Path is required", nil)
	}
	if !tools.IsPrintable(p) {
		return "", newError(KindInvalidRequest, op, "Path contains invalid characters", nil)
	}
	return path.Clean("/" + p), nil
}

// uploadPath joins the target directory and the file name,
// refusing any name that would land outside the directory.
func uploadPath(op, targetDir, filename string) (string, error) {
	if targetDir == "" {
		targetDir = "/"
	}
	dir, err := remotePath(op, targetDir)
	if err != nil {
		return "", err
	}

	switch {
	case filename == "":
		return "", newError(KindInvalidRequest, op, "Filename is required", nil)
	case !tools.IsPrintable(filename):
		return "", newError(KindInvalidRequest, op, "Filename contains invalid characters", nil)
	case filename == "." || filename == "..",
		strings.ContainsAny(filename, `/\`):
		return "", newError(KindPathTraversalRejected, op, "Filename must not contain a path", nil)
	}

	joined := path.Join(dir, filename)
	if path.Dir(joined) != dir {
		return "", newError(KindPathTraversalRejected, op, "Filename must not contain a path", nil)
	}
	return joined, nil
}
