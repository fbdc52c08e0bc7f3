package source

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func readZip(t *testing.T, rc io.ReadCloser) map[string]string {
	t.Helper()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		r, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(r)
		require.NoError(t, err)
		_ = r.Close()
		out[f.Name] = string(b)
	}
	return out
}

func workDirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestOpenZipsDirectory(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.go"), "package main")
	writeFile(t, filepath.Join(src, "pkg", "util.go"), "package pkg")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref: refs/heads/main")

	work := t.TempDir()
	p := NewProvider(work, "")
	rc, err := p.Open(context.Background(), models.SourceRef{Dir: src})
	require.NoError(t, err)

	files := readZip(t, rc)
	assert.Equal(t, map[string]string{
		"main.go":     "package main",
		"pkg/util.go": "package pkg",
	}, files)
	assert.Empty(t, workDirEntries(t, work), "archive removed on close")
}

func TestOpenClonesGitRepository(t *testing.T) {
	origin := t.TempDir()
	repo, err := gogit.PlainInit(origin, false)
	require.NoError(t, err)
	writeFile(t, filepath.Join(origin, "app.py"), "print('hi')")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("app.py")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	work := t.TempDir()
	p := NewProvider(work, "")
	rc, err := p.Open(context.Background(), models.SourceRef{GitURL: origin})
	require.NoError(t, err)

	files := readZip(t, rc)
	assert.Equal(t, map[string]string{"app.py": "print('hi')"}, files)
	assert.Empty(t, workDirEntries(t, work), "clone and archive are removed")
}

func TestOpenRejectsMissingSource(t *testing.T) {
	p := NewProvider(t.TempDir(), "")
	_, err := p.Open(context.Background(), models.SourceRef{})
	assert.ErrorIs(t, err, adapter.ErrInvalidArgument)

	file := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, file, "x")
	_, err = p.Open(context.Background(), models.SourceRef{Dir: file})
	assert.ErrorIs(t, err, adapter.ErrInvalidArgument)
}

func TestIsRemote(t *testing.T) {
	assert.True(t, isRemote("https://git.example.com/alpha.git"))
	assert.True(t, isRemote("git@git.example.com:team/alpha.git"))
	assert.False(t, isRemote("/srv/git/alpha"))
	assert.False(t, isRemote("file:///srv/git/alpha"))
}
