package pathguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// layout builds:
//
//	base/allowed/games/Foo/a.exe
//	base/allowed/games/link-inside -> base/allowed/games/Foo
//	base/allowed/games/link-outside -> base/secret
//	base/allowed_evil/x
//	base/secret/passwd
func layout(t *testing.T) (base, root string) {
	t.Helper()

	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	root = filepath.Join(base, "allowed", "games")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Foo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Foo", "a.exe"), []byte("a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "allowed_evil"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "allowed_evil", "x"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "secret"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret", "passwd"), []byte("root"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "Foo"), filepath.Join(root, "link-inside")))
	require.NoError(t, os.Symlink(filepath.Join(base, "secret"), filepath.Join(root, "link-outside")))

	return base, root
}

func TestGuard_Resolve(t *testing.T) {
	base, root := layout(t)

	guard, err := New([]string{root})
	require.NoError(t, err)

	tests := []struct {
		name       string
		raw        string
		wantOK     bool
		wantPath   string
		wantReason Reason
	}{
		{"root itself", root, true, root, ReasonNone},
		{"folder under root", filepath.Join(root, "Foo"), true, filepath.Join(root, "Foo"), ReasonNone},
		{"file under root", filepath.Join(root, "Foo", "a.exe"), true, filepath.Join(root, "Foo", "a.exe"), ReasonNone},
		{"redundant segments", root + "/./Foo/../Foo/./a.exe", true, filepath.Join(root, "Foo", "a.exe"), ReasonNone},
		{"symlink staying inside", filepath.Join(root, "link-inside", "a.exe"), true, filepath.Join(root, "Foo", "a.exe"), ReasonNone},
		{"dot dot escape", root + "/../../secret/passwd", false, "", ReasonOutsideAllowedDirectories},
		{"sibling prefix bypass", filepath.Join(base, "allowed") + "/../allowed_evil/x", false, "", ReasonOutsideAllowedDirectories},
		{"sibling prefix direct", filepath.Join(base, "allowed_evil"), false, "", ReasonOutsideAllowedDirectories},
		{"absolute outside", filepath.Join(base, "secret", "passwd"), false, "", ReasonOutsideAllowedDirectories},
		{"symlink pointing outside", filepath.Join(root, "link-outside", "passwd"), false, "", ReasonOutsideAllowedDirectories},
		{"missing inside root", filepath.Join(root, "Nope"), false, "", ReasonNotFound},
		{"missing outside root", filepath.Join(base, "secret", "nope"), false, "", ReasonOutsideAllowedDirectories},
		{"empty", "", false, "", ReasonInvalidInput},
		{"whitespace", "   ", false, "", ReasonInvalidInput},
		{"nul byte", root + "/Foo\x00/a.exe", false, "", ReasonInvalidInput},
		{"invalid utf8", root + "/\xff", false, "", ReasonInvalidInput},
		{"overlong", "/" + strings.Repeat("a", MaxPathLength), false, "", ReasonInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, reason := guard.Resolve(tt.raw)

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantPath, got)
			assert.NotContains(t, string(reason), "/", "reason must never echo a path")
		})
	}
}

func TestResolve_Stateless(t *testing.T) {
	_, root := layout(t)

	// a root given with redundant segments is canonicalized the same way as the candidate
	rawRoot := root + "/../games/."

	got, ok, reason := Resolve(filepath.Join(root, "Foo"), []string{rawRoot})
	require.True(t, ok, reason)
	assert.Equal(t, filepath.Join(root, "Foo"), got)

	_, ok, reason = Resolve("/etc/passwd", []string{rawRoot})
	assert.False(t, ok)
	assert.Equal(t, ReasonOutsideAllowedDirectories, reason)

	_, ok, reason = Resolve(filepath.Join(root, "Foo"), []string{"", "/definitely/not/here"})
	assert.False(t, ok)
	assert.Equal(t, ReasonOutsideAllowedDirectories, reason)
}

func TestResolve_CanonicalIdempotence(t *testing.T) {
	_, root := layout(t)

	guard, err := New([]string{root})
	require.NoError(t, err)

	want := filepath.Join(root, "Foo", "a.exe")

	variants := []string{
		want,
		root + "/Foo/./a.exe",
		root + "/./././Foo/a.exe",
		root + "/Foo/../Foo/../Foo/a.exe",
		root + "//Foo//a.exe",
	}

	for _, v := range variants {
		got, ok, _ := guard.Resolve(v)
		require.True(t, ok, v)
		assert.Equal(t, want, got, v)

		again, ok, _ := guard.Resolve(got)
		require.True(t, ok)
		assert.Equal(t, got, again)
	}
}

func TestNew(t *testing.T) {
	base, root := layout(t)

	_, err := New(nil)
	require.Error(t, err)

	_, err = New([]string{filepath.Join(base, "missing")})
	require.Error(t, err)

	_, err = New([]string{filepath.Join(root, "Foo", "a.exe")})
	require.Error(t, err)

	guard, err := New([]string{root, filepath.Join(base, "allowed_evil")})
	require.NoError(t, err)
	assert.Len(t, guard.Roots(), 2)
}

func TestGuard_Overlaps(t *testing.T) {
	base, root := layout(t)

	guard, err := New([]string{root})
	require.NoError(t, err)

	out := filepath.Join(base, "artifacts")
	require.NoError(t, os.MkdirAll(out, 0o755))

	overlaps, err := guard.Overlaps(out)
	require.NoError(t, err)
	assert.False(t, overlaps)

	overlaps, err = guard.Overlaps(filepath.Join(root, "Foo"))
	require.NoError(t, err)
	assert.True(t, overlaps)

	overlaps, err = guard.Overlaps(base)
	require.NoError(t, err)
	assert.True(t, overlaps)
}

func TestGuard_Overlaps_MissingDir(t *testing.T) {
	base, root := layout(t)

	guard, err := New([]string{root})
	require.NoError(t, err)

	tests := []struct {
		name string
		dir  string
		want bool
	}{
		{name: "new dir beside the root", dir: filepath.Join(base, "artifacts", "out"), want: false},
		{name: "new dir inside the root", dir: filepath.Join(root, "cache", "out"), want: true},
		{name: "new dir under an existing folder", dir: filepath.Join(root, "Foo", "out"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overlaps, err := guard.Overlaps(tt.dir)
			require.NoError(t, err)
			assert.Equal(t, tt.want, overlaps)

			_, err = os.Stat(tt.dir)
			assert.True(t, os.IsNotExist(err), "checking must not create the directory")
		})
	}
}
