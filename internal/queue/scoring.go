package queue

import (
	"time"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ClassSpan is the width of one priority class on the score line, in
// milliseconds (about 557 years). A class can never overflow into the next.
const ClassSpan int64 = 1 << 44

// ScoreEpoch is the origin of normalized submission times.
var ScoreEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func clampSpan(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v >= ClassSpan {
		return ClassSpan - 1
	}
	return v
}

// NormalizedMillis returns milliseconds since ScoreEpoch, clamped to one class.
func NormalizedMillis(t time.Time) int64 {
	return clampSpan(t.UnixMilli() - ScoreEpoch.UnixMilli())
}

// Score computes the scheduling score of a new pending job. Lower is served
// first.
//
//	fifo:        normalized_ms
//	priority:    class*ClassSpan + normalized_ms
//	round_robin: class*ClassSpan + round (round is 0 for override)
//
// round is the virtual round assigned by the round-robin hooks in rounds.go;
// the other modes ignore it.
func Score(mode types.QueueMode, p types.Priority, createdAt time.Time, round int64) int64 {
	switch mode {
	case types.ModePriority:
		return p.Class()*ClassSpan + NormalizedMillis(createdAt)
	case types.ModeRoundRobin:
		if p == types.PriorityOverride {
			round = 0
		}
		return p.Class()*ClassSpan + clampSpan(round)
	default:
		return NormalizedMillis(createdAt)
	}
}

// Rescore moves score into class p, keeping its position inside the class.
// FIFO ignores priority entirely. Round-robin override always sits at round 0.
func Rescore(mode types.QueueMode, score int64, p types.Priority) int64 {
	switch {
	case mode == types.ModeFIFO:
		return score
	case mode == types.ModeRoundRobin && p == types.PriorityOverride:
		return p.Class() * ClassSpan
	default:
		return p.Class()*ClassSpan + score%ClassSpan
	}
}
