package models

/**
DeterminateJobStatus works out the job status that follows from an executor report.

Progress pings (PREPARING, RUNNING) leave the current status alone, CANCELED/FAILED/ABNORMAL/DONE
are completions. Anything outside the TaskStatus domain is a ProtocolViolation, which normally means
the orchestrator and executor are running mismatched versions.
Orchestrator-driven states (CANCELING, DO_CANCELING, TIMEOUT) are never produced here.
*/
func DeterminateJobStatus(current JobStatus, reported TaskStatus) (JobStatus, error) {
	switch reported {
	case TASK_PREPARING, TASK_RUNNING:
		return current, nil
	case TASK_CANCELED:
		return JOB_CANCELED, nil
	case TASK_FAILED, TASK_ABNORMAL:
		return JOB_FAILED, nil
	case TASK_DONE:
		return JOB_DONE, nil
	default:
		return current, &ProtocolViolation{Value: string(reported)}
	}
}
