package models

/**
TaskResult is a full snapshot of a task as reported by its executor.
Deliveries are at-least-once and may be reordered, so every delivery is diffed against the last
stored snapshot with IsChanged rather than applied as a delta.
*/
type TaskResult struct {
	JobIdentity      JobIdentity       `json:"jobIdentity"`
	Status           TaskStatus        `json:"status"`
	Progress         float64           `json:"progress"`
	LogMetadata      map[string]string `json:"logMetadata"`
	ResultJson       string            `json:"resultJson"`
	ExecutorEndpoint string            `json:"executorEndpoint,omitempty"`
}

/**
returns true if this snapshot differs from `previous` in status, progress, result content or any
log metadata entry. A nil previous snapshot always counts as changed.
Progress is compared exactly, a re-sent identical float is not a change.
*/
func (r *TaskResult) IsChanged(previous *TaskResult) bool {
	if previous == nil {
		return true
	}
	if r.Status != previous.Status {
		return true
	}
	if r.Progress != previous.Progress {
		return true
	}
	if r.ResultJson != previous.ResultJson {
		return true
	}
	return logMetadataChanged(r.LogMetadata, previous.LogMetadata)
}

func logMetadataChanged(current map[string]string, previous map[string]string) bool {
	if len(current) != len(previous) {
		return true
	}
	for k, v := range current {
		prevValue, havePrev := previous[k]
		if !havePrev || prevValue != v {
			return true
		}
	}
	return false
}
