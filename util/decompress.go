// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

// IsCompressed reports whether DecompressFile knows the extension of path.
func IsCompressed(path string) bool {
	switch filepath.Ext(path) {
	case ".bz2", ".xz":
		return true
	}
	return false
}

// DecompressFile decompresses src into dst according to the extension of
// src. lbunzip2 is used for bzip2 images when it is installed.
func DecompressFile(dst, src string) error {
	switch ext := filepath.Ext(src); ext {
	case ".bz2":
		if lbunzip2, err := exec.LookPath("lbunzip2"); err == nil {
			return decompressExec(dst, lbunzip2, "--stdout", "--decompress", src)
		}
		return decompressGo(dst, src, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r, nil)
		})
	case ".xz":
		return decompressGo(dst, src, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	default:
		return fmt.Errorf("unknown compression %q for %s", strings.TrimPrefix(ext, "."), src)
	}
}

func decompressGo(dst, src string, newReader func(io.Reader) (io.Reader, error)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	reader, err := newReader(in)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	return writeOrRemove(dst, reader)
}

func decompressExec(dst, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	if err := writeOrRemove(dst, stdout); err != nil {
		cmd.Wait()
		return err
	}
	if err := cmd.Wait(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("%s returned: %w", name, err)
	}
	return nil
}

func writeOrRemove(dst string, r io.Reader) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}
