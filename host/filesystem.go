package host

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/logger"
	"go.uber.org/zap"
)

var ErrAccessDenied = errors.Sentinel("access denied")

// FileSystem serves fs/read_text_file and fs/write_text_file from the local
// disk. Paths must be absolute. Access patterns match paths relative to Root
// and absolute paths outside it.
type FileSystem struct {
	Root   string
	Access config.FilesystemAccess
	log    *logger.Logger
}

var _ acp.FileSystem = (*FileSystem)(nil)

func NewFileSystem(root string, access config.FilesystemAccess, log *logger.Logger) *FileSystem {
	if log == nil {
		log = logger.Default()
	}
	return &FileSystem{Root: filepath.Clean(root), Access: access, log: log.WithComponent("fs")}
}

func (f *FileSystem) check(path string, write bool) error {
	if !filepath.IsAbs(path) {
		return errors.New("path '%s' is not absolute", path)
	}
	match := filepath.Clean(path)
	if rel, err := filepath.Rel(f.Root, match); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		match = rel
	}
	match = filepath.ToSlash(match)

	patterns := f.Access.Hidden
	if write {
		patterns = append(append([]string{}, patterns...), f.Access.ReadOnly...)
	}
	for _, pattern := range patterns {
		ok, err := doublestar.Match(pattern, match)
		if err != nil {
			return errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if ok {
			f.log.Debug("denied file access", zap.String("path", path), zap.String("pattern", pattern), zap.Bool("write", write))
			return errors.Wrapf(ErrAccessDenied, "%s", path)
		}
	}
	return nil
}

// ReadTextFile returns the file content, or Limit lines starting at the
// 1-based Line when those are set.
func (f *FileSystem) ReadTextFile(ctx context.Context, req *acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error) {
	if err := f.check(req.Path, false); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", req.Path)
	}
	return &acp.ReadTextFileResponse{Content: sliceLines(string(data), req.Line, req.Limit)}, nil
}

func sliceLines(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.SplitAfter(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "")
}

// WriteTextFile replaces the file content, creating parent directories.
func (f *FileSystem) WriteTextFile(ctx context.Context, req *acp.WriteTextFileRequest) error {
	if err := f.check(req.Path, true); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for '%s'", req.Path)
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0644); err != nil {
		return errors.Wrapf(err, "failed to write to file '%s'", req.Path)
	}
	return nil
}
