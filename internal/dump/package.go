package dump

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rowjay/hostbak/internal/compress"
)

// Package rolls the per-run dump directory into a single gzip tarball in the
// staging root. Handing the archive tool one opaque member is safer than
// letting it traverse a temp tree that might collide with exclusion patterns.
func Package(dumpDir, destPath string) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create dump tarball: %w", err)
	}
	gz, err := compress.WrapWriter(compress.TypeGzip, out)
	if err != nil {
		out.Close()
		return err
	}
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dumpDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dumpDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := gz.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := out.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("package dumps: %w", walkErr)
	}
	return nil
}
