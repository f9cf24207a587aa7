package training

import (
	"github.com/mikkohei13/quiet-observer/internal/datastore"
	"github.com/mikkohei13/quiet-observer/internal/errors"
)

// ReconcileStaleRuns fails every non-terminal run (pending or running)
// that has no live task in this process. Such runs belonged to a process
// that exited while training, or between creating the run and starting the
// fit; without this they would sit unfinished forever. Called at server
// start and before training listings; safe to call repeatedly, a
// concurrent transition elsewhere just makes a run's reconciliation a
// no-op.
func (o *Orchestrator) ReconcileStaleRuns() (int, error) {
	runs, err := o.store.UnfinishedTrainingRuns()
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, run := range runs {
		if o.IsTracked(run.ID) {
			continue
		}
		err := o.store.TransitionTrainingRun(run.ID, run.Status,
			datastore.RunFailed, "process exited while the run was in progress")
		if err != nil {
			if errors.CategoryOf(err) == errors.CategoryState {
				// Already moved out of running since the listing.
				continue
			}
			return reconciled, err
		}
		trainingLogger.Warn("Reconciled stale training run",
			"run_id", run.ID, "project_id", run.ProjectID)
		o.metrics.RecordTrainingRun(run.ProjectID, "failed")
		reconciled++
	}
	return reconciled, nil
}
