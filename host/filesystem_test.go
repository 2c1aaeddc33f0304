package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m4xw311/acpconn/acp"
	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) (*FileSystem, string) {
	t.Helper()
	root := t.TempDir()
	access := config.FilesystemAccess{
		Hidden:   []string{".acpconn", ".acpconn/**", "**/*.pem"},
		ReadOnly: []string{"docs/**"},
	}
	return NewFileSystem(root, access, logger.Nop()), root
}

func intPtr(v int) *int { return &v }

func TestFileSystemReadWrite(t *testing.T) {
	fs, root := newTestFS(t)
	ctx := context.Background()
	path := filepath.Join(root, "src", "main.go")

	require.NoError(t, fs.WriteTextFile(ctx, &acp.WriteTextFileRequest{Path: path, Content: "a\nb\nc\nd\n"}))
	resp, err := fs.ReadTextFile(ctx, &acp.ReadTextFileRequest{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\nd\n", resp.Content)

	tests := []struct {
		name  string
		line  *int
		limit *int
		want  string
	}{
		{"from line", intPtr(3), nil, "c\nd\n"},
		{"limit only", nil, intPtr(2), "a\nb\n"},
		{"window", intPtr(2), intPtr(2), "b\nc\n"},
		{"past end", intPtr(10), nil, ""},
		{"zero limit", intPtr(1), intPtr(0), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := fs.ReadTextFile(ctx, &acp.ReadTextFileRequest{Path: path, Line: tt.line, Limit: tt.limit})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Content)
		})
	}
}

func TestFileSystemGuards(t *testing.T) {
	fs, root := newTestFS(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "guide.md"), []byte("guide"), 0644))

	_, err := fs.ReadTextFile(ctx, &acp.ReadTextFileRequest{Path: filepath.Join(root, ".acpconn", "config.yaml")})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = fs.ReadTextFile(ctx, &acp.ReadTextFileRequest{Path: filepath.Join(root, "certs", "server.pem")})
	assert.ErrorIs(t, err, ErrAccessDenied)

	resp, err := fs.ReadTextFile(ctx, &acp.ReadTextFileRequest{Path: filepath.Join(root, "docs", "guide.md")})
	require.NoError(t, err)
	assert.Equal(t, "guide", resp.Content)

	err = fs.WriteTextFile(ctx, &acp.WriteTextFileRequest{Path: filepath.Join(root, "docs", "guide.md"), Content: "x"})
	assert.ErrorIs(t, err, ErrAccessDenied)
	data, err := os.ReadFile(filepath.Join(root, "docs", "guide.md"))
	require.NoError(t, err)
	assert.Equal(t, "guide", string(data))

	_, err = fs.ReadTextFile(ctx, &acp.ReadTextFileRequest{Path: "relative.txt"})
	assert.ErrorContains(t, err, "not absolute")

	_, err = fs.ReadTextFile(ctx, &acp.ReadTextFileRequest{Path: filepath.Join(root, "missing.txt")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
