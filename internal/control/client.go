package control

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrNotMounted = errors.New("not inside a hugefs mount")

// FindRoot walks up from path to the directory holding the control file. It
// returns that directory and path relative to it.
func FindRoot(path string) (root string, rel string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	var parts []string
	dir := abs
	for {
		if _, err := os.Lstat(filepath.Join(dir, FileName)); err == nil {
			rel := "."
			if len(parts) > 0 {
				for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
					parts[i], parts[j] = parts[j], parts[i]
				}
				rel = filepath.Join(parts...)
			}
			return dir, rel, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", "", fmt.Errorf("%s: %w", path, ErrNotMounted)
		}
		parts = append(parts, filepath.Base(dir))
		dir = parent
	}
}

// Execute sends req through the control file of the mount at root.
func Execute(root string, req *Request) (*Response, error) {
	const op = "control.Execute"

	data, err := EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	f, err := os.OpenFile(filepath.Join(root, FileName), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("%s: writing request: %w", op, err)
	}
	out, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<30))
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}
	resp, err := DecodeResponse(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resp, nil
}
