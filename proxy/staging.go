package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
)

// stagedFile is an upload fully written to local disk before it is sent to the remote server
type stagedFile struct {
	*os.File
	size int64
}

// sourceReader remembers the error of the caller's stream so it is not blamed on the disk
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// stage copies src into a new temp file under dir. limit bounds the size, 0 means no bound.
func (p *Proxy) stage(op string, src io.Reader, dir string, limit int64) (*stagedFile, error) {
	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return nil, internalError(op, fmt.Errorf("create staging file: %w", err))
	}
	staged := &stagedFile{File: f}

	sr := &sourceReader{r: src}
	var r io.Reader = sr
	if limit > 0 {
		r = io.LimitReader(sr, limit+1)
	}
	n, err := io.Copy(f, r)
	staged.size = n

	switch {
	case sr.err != nil:
		p.discard(staged)
		var tooLarge *http.MaxBytesError
		if errors.As(sr.err, &tooLarge) {
			return nil, newError(KindInvalidRequest, op, "File is too large", sr.err)
		}
		return nil, newError(KindInvalidRequest, op, "Upload was interrupted", sr.err)
	case err != nil:
		p.discard(staged)
		return nil, internalError(op, fmt.Errorf("write staging file: %w", err))
	case limit > 0 && n > limit:
		p.discard(staged)
		return nil, newError(KindInvalidRequest, op, "File is too large, the limit is "+humanize.IBytes(uint64(limit)), nil)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		p.discard(staged)
		return nil, internalError(op, fmt.Errorf("rewind staging file: %w", err))
	}
	return staged, nil
}

// discard closes and removes the staging file
func (p *Proxy) discard(f *stagedFile) {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.Logger().Warn("Error removing staging file", "file", f.Name(), "error", err)
	}
}
