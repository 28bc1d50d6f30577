// Package fetcher downloads the problem configuration and submission
// artifacts of a job from object storage.
package fetcher

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"tiger/internal/common/storage"
	"tiger/internal/judge/model"
	appErr "tiger/pkg/errors"
	"tiger/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	zstdSuffix    = ".zst"
	tarZstdSuffix = ".tar.zst"
)

// StoreFactory opens a store with per-job credentials.
type StoreFactory func(accessKey, secretKey string) (storage.ObjectStorage, error)

// MinIOFactory builds stores against the configured S3 gateway.
func MinIOFactory(cfg storage.MinIOConfig) StoreFactory {
	return func(accessKey, secretKey string) (storage.ObjectStorage, error) {
		return storage.NewMinIOStorage(cfg.WithCredentials(accessKey, secretKey))
	}
}

// Artifacts are the local directories produced by Fetch.
type Artifacts struct {
	ProblemDir string
	RecordDir  string
}

// Fetcher downloads job artifacts.
type Fetcher struct {
	newStore StoreFactory
}

// New creates a fetcher.
func New(newStore StoreFactory) *Fetcher {
	return &Fetcher{newStore: newStore}
}

// Fetch downloads the problem configuration and the submission concurrently
// into workDir. Each tree lives in its repo bucket under the commit id.
func (f *Fetcher) Fetch(ctx context.Context, creds model.JobCredentials, workDir string) (Artifacts, error) {
	store, err := f.newStore(creds.AccessKeyID, creds.SecretAccessKey)
	if err != nil {
		return Artifacts{}, appErr.Wrapf(err, appErr.ArtifactFetchFailed, "open object storage failed")
	}
	out := Artifacts{
		ProblemDir: filepath.Join(workDir, "problem"),
		RecordDir:  filepath.Join(workDir, "record"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := Download(gctx, store, creds.ProblemConfigRepoName, creds.ProblemConfigCommitID, out.ProblemDir)
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(out.ProblemDir, model.ProblemConfigFile)); err != nil {
			return appErr.Newf(appErr.ProblemConfigMissing, "problem config %s not found in %s@%s",
				model.ProblemConfigFile, creds.ProblemConfigRepoName, creds.ProblemConfigCommitID)
		}
		logger.Debug(gctx, "problem config fetched", zap.Int("objects", n))
		return nil
	})
	g.Go(func() error {
		n, err := Download(gctx, store, creds.RecordRepoName, creds.RecordCommitID, out.RecordDir)
		if err != nil {
			return err
		}
		logger.Debug(gctx, "record fetched", zap.Int("objects", n))
		return nil
	})
	if err := g.Wait(); err != nil {
		return Artifacts{}, err
	}
	return out, nil
}

// Download mirrors every object under ref/ in bucket into dest and returns
// the number of objects written. Objects ending in .tar.zst are unpacked and
// objects ending in .zst are decompressed.
func Download(ctx context.Context, store storage.ObjectStorage, bucket, ref, dest string) (int, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	prefix := ""
	if ref != "" {
		prefix = strings.TrimSuffix(ref, "/") + "/"
	}
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	count := 0
	for obj := range store.ListObjects(listCtx, bucket, prefix) {
		if obj.Err != nil {
			if storage.IsNotFound(obj.Err) {
				return count, appErr.Wrapf(obj.Err, appErr.ProblemConfigMissing, "bucket %s not found", bucket)
			}
			return count, appErr.Wrapf(obj.Err, appErr.ArtifactFetchFailed, "list %s/%s failed", bucket, prefix)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if err := fetchObject(ctx, store, bucket, obj.Key, rel, dest); err != nil {
			return count, err
		}
		count++
	}
	if err := ctx.Err(); err != nil {
		return count, err
	}
	return count, nil
}

func fetchObject(ctx context.Context, store storage.ObjectStorage, bucket, key, rel, dest string) error {
	target, err := safeJoin(dest, rel)
	if err != nil {
		return appErr.Wrap(err, appErr.InvalidFormat)
	}
	reader, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "download %s/%s failed", bucket, key)
	}
	defer reader.Close()

	switch {
	case strings.HasSuffix(rel, tarZstdSuffix):
		dir := strings.TrimSuffix(target, tarZstdSuffix)
		if err := extractTarZstd(reader, dir); err != nil {
			return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "extract %s/%s failed", bucket, key)
		}
		return nil
	case strings.HasSuffix(rel, zstdSuffix):
		dec, err := zstd.NewReader(reader)
		if err != nil {
			return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "create zstd reader failed")
		}
		defer dec.Close()
		return writeFile(strings.TrimSuffix(target, zstdSuffix), dec, 0o644, bucket, key)
	default:
		return writeFile(target, reader, 0o644, bucket, key)
	}
}

func writeFile(target string, r io.Reader, mode fs.FileMode, bucket, key string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return appErr.Wrapf(err, appErr.ArtifactFetchFailed, "write %s/%s failed", bucket, key)
	}
	return file.Close()
}

func extractTarZstd(r io.Reader, dstDir string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Name == "" {
			continue
		}
		target, err := safeJoin(dstDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir: %w", err)
			}
			file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(file, tr); err != nil {
				_ = file.Close()
				return fmt.Errorf("write file: %w", err)
			}
			_ = file.Close()
		}
	}
}

// safeJoin joins a slash separated object path under dir, rejecting escapes.
func safeJoin(dir, name string) (string, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid entry path %q", name)
	}
	target := filepath.Join(dir, filepath.FromSlash(clean))
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes %s", name, dir)
	}
	return target, nil
}
