package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	appErr "tiger/pkg/errors"

	"github.com/docker/docker/api/types/container"
)

// FileOptions controls ownership and permissions of staged files.
type FileOptions struct {
	// Owner must be the session user or root. Empty means root.
	Owner    string
	ReadOnly bool
}

type stagedFile struct {
	hostPath string
	name     string
	mode     int64
}

// AddFiles copies host files into the working directory, keeping only their
// base names.
func (s *Session) AddFiles(ctx context.Context, hostPaths []string, opts FileOptions) error {
	files := make([]stagedFile, 0, len(hostPaths))
	for _, p := range hostPaths {
		files = append(files, stagedFile{hostPath: p, name: filepath.Base(p)})
	}
	return s.stage(ctx, files, opts)
}

// AddAndRenameFile copies one host file into the working directory as name.
func (s *Session) AddAndRenameFile(ctx context.Context, hostPath, name string, opts FileOptions) error {
	if name == "" || path.Base(name) != name {
		return appErr.Newf(appErr.InvalidParams, "invalid target file name %q", name)
	}
	return s.stage(ctx, []stagedFile{{hostPath: hostPath, name: name}}, opts)
}

func (s *Session) stage(ctx context.Context, files []stagedFile, opts FileOptions) error {
	owner := opts.Owner
	if owner == "" {
		owner = "root"
	}
	if owner != "root" && owner != s.cfg.User {
		return appErr.Newf(appErr.InvalidParams, "file owner must be %s or root, got %s", s.cfg.User, owner)
	}
	if len(files) == 0 {
		return nil
	}
	id, err := s.containerID()
	if err != nil {
		return err
	}

	archive, err := tarFiles(files)
	if err != nil {
		return appErr.Wrap(err, appErr.InvalidParams)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.api.CopyToContainer(ctx, id, WorkingDir, archive, container.CopyToContainerOptions{}); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "copy files into sandbox %s failed", s.name)
	}

	targets := make([]string, 0, len(files))
	for _, f := range files {
		targets = append(targets, path.Join(WorkingDir, f.name))
	}
	if owner != "root" {
		if err := s.adminLocked(ctx, append([]string{"chown", owner + ":" + owner}, targets...)...); err != nil {
			return appErr.Wrapf(err, appErr.JudgeSystemError, "chown files in sandbox %s failed", s.name)
		}
	}
	if opts.ReadOnly {
		if err := s.adminLocked(ctx, append([]string{"chmod", "444"}, targets...)...); err != nil {
			return appErr.Wrapf(err, appErr.JudgeSystemError, "chmod files in sandbox %s failed", s.name)
		}
	}
	return nil
}

// tarFiles packs regular host files into an in-memory tar archive. A zero
// mode keeps the host file's permission bits.
func tarFiles(files []stagedFile) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		if err := addToTar(tw, f); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func addToTar(tw *tar.Writer, f stagedFile) error {
	info, err := os.Stat(f.hostPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.hostPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", f.hostPath)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = f.name
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "root", "root"
	if f.mode != 0 {
		hdr.Mode = f.mode
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	src, err := os.Open(f.hostPath)
	if err != nil {
		return err
	}
	defer src.Close()
	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("archive %s: %w", f.hostPath, err)
	}
	return nil
}
