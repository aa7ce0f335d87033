// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"fmt"
	"io"
	"os"

	"github.com/coreos/ioprogress"
	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/flatcar/update-engine", "util")

// CopyProgress copies reader into writer in chunks of at most chunkSize
// bytes, drawing a progress bar on stderr when level is enabled. Payload
// writers apply each chunk as it arrives so chunkSize bounds how much
// data one Write sees.
func CopyProgress(level capnslog.LogLevel, prefix string, writer io.Writer, reader io.Reader, total int64, chunkSize int) (int64, error) {
	if plog.LevelAt(level) {
		fmtBytesSize := 18
		barSize := int64(80 - len(prefix) - fmtBytesSize)
		if barSize < 8 {
			barSize = 8
		}
		bar := ioprogress.DrawTextFormatBarForW(barSize, os.Stderr)
		fmtfunc := func(progress, total int64) string {
			if total < 0 {
				return fmt.Sprintf("%s: %v of an unknown total size",
					prefix, ioprogress.ByteUnitStr(progress))
			}
			return fmt.Sprintf("%s: %s %s",
				prefix, bar(progress, total), ioprogress.DrawTextFormatBytes(progress, total))
		}

		reader = &ioprogress.Reader{
			Reader:   reader,
			Size:     total,
			DrawFunc: ioprogress.DrawTerminalf(os.Stderr, fmtfunc),
		}
	}

	if chunkSize <= 0 {
		return io.Copy(writer, reader)
	}
	return io.CopyBuffer(struct{ io.Writer }{writer}, struct{ io.Reader }{reader}, make([]byte, chunkSize))
}
