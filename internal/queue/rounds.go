package queue

import (
	"fmt"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ============================================================================
// Round-robin 虛擬輪次
// ============================================================================
//
// 每個優先級各自維護：
//   - rr:round:<class>         最近一次派發的輪次（current）
//   - rr:owner:<class>:<owner> 該使用者下一個任務的輪次
//
// 新任務的輪次 n = max(owner_next, current)，之後 owner_next = n + 1。
// 派發時 current 推進到被派發任務的輪次。
// 兩者都在 Create / ClaimMin 的臨界區內讀寫，同一使用者的任務永遠依提交順序排列，
// 新加入或閒置後回來的使用者從目前輪次開始，不會插到已排隊的任務前面。
// ============================================================================

func roundKey(class int64) string {
	return fmt.Sprintf("rr:round:%d", class)
}

func ownerRoundKey(class int64, owner string) string {
	return fmt.Sprintf("rr:owner:%d:%s", class, owner)
}

// assignRound scores a new round-robin job inside Create. score receives the
// final value.
func assignRound(p types.Priority, owner string, score *int64) storage.Hook {
	return func(rec *storage.Record, c storage.Counters) error {
		if p == types.PriorityOverride {
			return nil
		}
		class := p.Class()
		current, err := c.Get(roundKey(class))
		if err != nil {
			return err
		}
		next, err := c.Get(ownerRoundKey(class, owner))
		if err != nil {
			return err
		}
		n := max(current, next)
		rec.Score = Score(types.ModeRoundRobin, p, ScoreEpoch, n)
		*score = rec.Score
		return c.Set(ownerRoundKey(class, owner), n+1)
	}
}

// advanceRound moves the class's current round up to the claimed job's round.
func advanceRound(rec *storage.Record, c storage.Counters) error {
	class := rec.Score / ClassSpan
	if class == types.PriorityOverride.Class() {
		return nil
	}
	round := rec.Score % ClassSpan
	current, err := c.Get(roundKey(class))
	if err != nil {
		return err
	}
	if round <= current {
		return nil
	}
	return c.Set(roundKey(class), round)
}
