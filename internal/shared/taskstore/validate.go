package taskstore

import (
	"fmt"

	"sitegen/internal/shared/model"
)

// CheckUpdate 校验一次更新前后的任务状态
func CheckUpdate(before, after *model.AsyncTask) error {
	if before.Status.IsTerminal() {
		return model.ErrTerminal
	}
	if after.ID != before.ID || after.Owner != before.Owner {
		return fmt.Errorf("task identity is immutable")
	}
	if after.Status != before.Status && !before.Status.CanTransitionTo(after.Status) {
		return fmt.Errorf("invalid status transition %s -> %s", before.Status, after.Status)
	}
	if after.Progress < before.Progress {
		return fmt.Errorf("progress must not decrease (%d -> %d)", before.Progress, after.Progress)
	}
	if after.Progress > 100 {
		return fmt.Errorf("progress out of range: %d", after.Progress)
	}
	if after.Progress == 100 && after.Status != model.TaskStatusSucceeded {
		return fmt.Errorf("progress 100 is reserved for succeeded tasks")
	}
	if after.Seq < before.Seq {
		return fmt.Errorf("seq must not decrease (%d -> %d)", before.Seq, after.Seq)
	}
	return nil
}
