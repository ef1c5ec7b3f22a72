package pipeline

import (
	"context"

	"github.com/square-key-labs/twilio-voice-agent/src/logger"
)

// PipelineRunner runs a task and owns its cancellation, mirroring the
// one-runner-per-call model: the call handler builds a task and hands it to a
// runner for the lifetime of the connection.
type PipelineRunner struct {
	name string
	task *PipelineTask
	log  *logger.Logger
}

func NewPipelineRunner(name string, task *PipelineTask) *PipelineRunner {
	return &PipelineRunner{
		name: name,
		task: task,
		log:  logger.WithPrefix("runner"),
	}
}

// Run executes the task until completion or context cancellation.
func (r *PipelineRunner) Run(ctx context.Context) error {
	r.log.Info("%s: running", r.name)
	err := r.task.Run(ctx)
	if err != nil {
		r.log.Error("%s: finished with error: %v", r.name, err)
		return err
	}
	r.log.Info("%s: finished", r.name)
	return nil
}

// Stop cancels the running task.
func (r *PipelineRunner) Stop() {
	r.task.Cancel()
}
