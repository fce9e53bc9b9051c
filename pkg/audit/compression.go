package audit

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

// compressFile gzips path into path.gz and removes the original.
func compressFile(path string) (string, error) {
	// #nosec G304 -- path is a rotated audit log
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create compressed file: %w", err)
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("failed to compress file: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = os.Remove(dstPath)
		return "", fmt.Errorf("failed to close gzip writer: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync compressed file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to close compressed file: %w", err)
	}
	if err := src.Close(); err != nil {
		return "", fmt.Errorf("failed to close source file: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("failed to remove original file: %w", err)
	}

	return dstPath, nil
}
