// Package source turns a code scan source reference into the zip archive
// uploaded to code scanning products.
package source

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/models"
)

// Provider zips local directories and git repositories.
type Provider struct {
	workDir string
	token   string
}

// NewProvider returns a provider that clones into workDir. token is used
// for HTTPS authentication of clones.
func NewProvider(workDir, token string) *Provider {
	return &Provider{workDir: workDir, token: token}
}

// Open returns the zipped source. The archive is a temporary file removed
// on Close.
func (p *Provider) Open(ctx context.Context, ref models.SourceRef) (io.ReadCloser, error) {
	switch {
	case ref.Dir != "":
		return p.zipDir(ref.Dir)
	case ref.GitURL != "":
		dir, err := p.clone(ctx, ref)
		if err != nil {
			return nil, err
		}
		defer p.cleanup(dir)
		return p.zipDir(dir)
	default:
		return nil, fmt.Errorf("source has neither dir nor git url: %w", adapter.ErrInvalidArgument)
	}
}

func (p *Provider) tempDir() (string, error) {
	if p.workDir == "" {
		return os.TempDir(), nil
	}
	if err := os.MkdirAll(p.workDir, 0o700); err != nil {
		return "", fmt.Errorf("creating work directory: %w", err)
	}
	return p.workDir, nil
}

func (p *Provider) clone(ctx context.Context, ref models.SourceRef) (string, error) {
	base, err := p.tempDir()
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(base, "scanorch-clone-*")
	if err != nil {
		return "", fmt.Errorf("creating clone directory: %w", err)
	}

	opts := &gogit.CloneOptions{URL: ref.GitURL}
	if isRemote(ref.GitURL) {
		opts.Depth = 1
	}
	if p.token != "" && strings.HasPrefix(ref.GitURL, "https://") {
		opts.Auth = &githttp.BasicAuth{Username: "scanorch", Password: p.token}
	}
	if ref.GitRef != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref.GitRef)
		opts.SingleBranch = true
	}

	slog.DebugContext(ctx, "Cloning source", "url", ref.GitURL, "ref", ref.GitRef, "dest", dir)
	if _, err := gogit.PlainCloneContext(ctx, dir, false, opts); err != nil {
		p.cleanup(dir)
		return "", fmt.Errorf("cloning %s: %w", ref.GitURL, err)
	}
	return dir, nil
}

func (p *Provider) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to clean up clone directory", "path", dir, "error", err)
	}
}

// isRemote reports whether url needs a network transport. Local clones
// do not support shallow fetches.
func isRemote(url string) bool {
	for _, scheme := range []string{"http://", "https://", "ssh://", "git://"} {
		if strings.HasPrefix(url, scheme) {
			return true
		}
	}
	return strings.Contains(url, "@") && strings.Contains(url, ":")
}

func (p *Provider) zipDir(dir string) (io.ReadCloser, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reading source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory: %w", dir, adapter.ErrInvalidArgument)
	}

	base, err := p.tempDir()
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(base, "scanorch-source-*.zip")
	if err != nil {
		return nil, fmt.Errorf("creating source archive: %w", err)
	}
	archive := &tempArchive{File: f}

	if err := writeZip(f, dir); err != nil {
		archive.Close() //nolint:errcheck
		return nil, fmt.Errorf("zipping %s: %w", dir, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		archive.Close() //nolint:errcheck
		return nil, fmt.Errorf("rewinding source archive: %w", err)
	}
	return archive, nil
}

func writeZip(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		dst, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path) // #nosec G304 -- walking the configured source directory
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

// tempArchive removes its file when closed.
type tempArchive struct {
	*os.File
}

func (a *tempArchive) Close() error {
	err := a.File.Close()
	if rmErr := os.Remove(a.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
