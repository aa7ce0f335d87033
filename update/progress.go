// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package update

import (
	"time"
)

const (
	progressLogMaxChunks = 10
	progressLogTimeout   = 30 * time.Second

	// Weights of downloading and applying in the overall progress.
	progressDownloadWeight   = 50
	progressOperationsWeight = 50
)

func intRatio(part, total, norm uint64) uint64 {
	if total == 0 {
		return 0
	}
	return part * norm / total
}

// Progress is the overall progress of the update in percent.
func (p *Performer) Progress() uint64 {
	return p.overallProgress
}

func (p *Performer) logProgress(prefix string) {
	opsPercent := intRatio(p.nextOperation, p.numTotalOperations, 100)
	if p.payload.Size > 0 {
		plog.Infof("%s%d/%d operations (%d%%), %d/%d bytes downloaded (%d%%), overall progress %d%%",
			prefix, p.nextOperation, p.numTotalOperations, opsPercent,
			p.totalBytesReceived, p.payload.Size, intRatio(p.totalBytesReceived, p.payload.Size, 100),
			p.overallProgress)
	} else {
		plog.Infof("%s%d/%d operations (%d%%), %d bytes downloaded, overall progress %d%%",
			prefix, p.nextOperation, p.numTotalOperations, opsPercent,
			p.totalBytesReceived, p.overallProgress)
	}
}

// updateOverallProgress recomputes the overall progress and logs it when
// it crosses a chunk boundary or has not been logged for a while.
func (p *Performer) updateOverallProgress(forceLog bool, prefix string) {
	var total uint64
	downloadWeight := uint64(progressDownloadWeight)
	opsWeight := uint64(progressOperationsWeight)
	if p.payload.Size == 0 {
		// Without a size only operations can be measured.
		downloadWeight = 0
		opsWeight = progressDownloadWeight + progressOperationsWeight
	}
	total += intRatio(min(p.totalBytesReceived, p.payload.Size), p.payload.Size, downloadWeight)
	total += intRatio(p.nextOperation, p.numTotalOperations, opsWeight)
	if total > 100 {
		total = 100
	}

	if total < p.overallProgress {
		plog.Warningf("Overall progress went down from %d%% to %d%%", p.overallProgress, total)
	}
	p.overallProgress = total

	chunk := intRatio(total, 100, progressLogMaxChunks)
	now := p.now()
	if forceLog || chunk > p.lastProgressChunk || !now.Before(p.forcedProgressLogTime) {
		p.logProgress(prefix)
		p.lastProgressChunk = chunk
		p.forcedProgressLogTime = now.Add(progressLogTimeout)
	}
}
