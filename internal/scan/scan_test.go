package scan

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func sampleTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "src/lib.rs", "pub fn f() {}\n")
	writeFile(t, root, "src/gen/out.rs", "pub fn g() {}\n")
	writeFile(t, root, "src/util.py", "def h(): pass\n")
	writeFile(t, root, "README.md", "# readme\n")
	writeFile(t, root, "node_modules/pkg/index.js", "function x() {}\n")
	writeFile(t, root, ".hidden/secret.rs", "fn s() {}\n")
	writeFile(t, root, "logs/debug.log", "log\n")
	writeFile(t, root, ".gitignore", "logs/\n*.md\n")
	writeFile(t, root, "src/.gitignore", "gen/\n")
	return root
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RootMustBeDirectory(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "f.rs", "")

	_, err := New(Config{Root: filepath.Join(root, "f.rs")})
	require.ErrorIs(t, err, ErrRootNotDir)

	_, err = New(Config{Root: filepath.Join(root, "missing")})
	require.Error(t, err)
}

func TestNew_InvalidPattern(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Root: t.TempDir(), Include: []string{"[unclosed"}})
	require.ErrorIs(t, err, ErrInvalidPattern)

	_, err = New(Config{Root: t.TempDir(), Exclude: []string{"{a,b"}})
	require.ErrorIs(t, err, ErrInvalidPattern)
}

// =============================================================================
// Walk discovery
// =============================================================================

func TestFiles_WalkHonorsGitignoreAndSkipDirs(t *testing.T) {
	t.Parallel()
	root := sampleTree(t)
	s, err := New(Config{Root: root, NoGit: true})
	require.NoError(t, err)

	files, err := s.Files(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"src/lib.rs", "src/util.py"}, files)
}

func TestFiles_IncludeExclude(t *testing.T) {
	t.Parallel()
	root := sampleTree(t)

	s, err := New(Config{Root: root, NoGit: true, Include: []string{"**.rs"}})
	require.NoError(t, err)
	files, err := s.Files(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"src/lib.rs"}, files)

	s, err = New(Config{Root: root, NoGit: true, Exclude: []string{"*.py"}})
	require.NoError(t, err)
	files, err = s.Files(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"src/lib.rs"}, files)
}

func TestFiles_FilterAndSizeLimit(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, root, "a.rs", "fn a() {}\n")
	writeFile(t, root, "big.rs", strings.Repeat("x", 200))
	writeFile(t, root, "c.txt", "text\n")

	s, err := New(Config{Root: root, NoGit: true, MaxFileSize: 100},
		WithFilter(func(rel string) bool { return filepath.Ext(rel) == ".rs" }))
	require.NoError(t, err)
	files, err := s.Files(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.rs"}, files)
}

func TestFiles_Cancelled(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Root: sampleTree(t), NoGit: true})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Files(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// git ls-files discovery
// =============================================================================

func TestFiles_GitListFiles(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	root := sampleTree(t)
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = root
	require.NoError(t, cmd.Run())

	s, err := New(Config{Root: root})
	require.NoError(t, err)
	files, err := s.Files(context.Background())
	require.NoError(t, err)
	assert.Contains(t, files, "src/lib.rs")
	assert.Contains(t, files, "src/util.py")
	assert.NotContains(t, files, "src/gen/out.rs")
	assert.NotContains(t, files, "logs/debug.log")
	assert.NotContains(t, files, "README.md")
	assert.NotContains(t, files, "node_modules/pkg/index.js")
	assert.NotContains(t, files, ".gitignore")
	assert.NotContains(t, files, ".hidden/secret.rs")
}

// =============================================================================
// Paths
// =============================================================================

func TestRelAbs(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s, err := New(Config{Root: root})
	require.NoError(t, err)

	rel, err := s.Rel(filepath.Join(s.Root(), "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, "src/lib.rs", rel)
	assert.Equal(t, filepath.Join(s.Root(), "src", "lib.rs"), s.Abs(rel))

	rel, err = s.Rel("src/./lib.rs")
	require.NoError(t, err)
	assert.Equal(t, "src/lib.rs", rel)

	_, err = s.Rel(filepath.Dir(s.Root()))
	require.Error(t, err)
}

func TestMatch(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Root: t.TempDir(), Include: []string{"src/**"}, Exclude: []string{"*_test.go"}})
	require.NoError(t, err)

	tests := []struct {
		rel  string
		want bool
	}{
		{"src/a.go", true},
		{"src/pkg/b.go", true},
		{"src/pkg/b_test.go", false},
		{"cmd/main.go", false},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Match(tt.rel))
		})
	}
}
