package conductor

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/caseflowd/caseflow/internal/broker"
	"github.com/caseflowd/caseflow/internal/models"
)

// Dispatcher turns a workflow step into an outbound worker command on the
// right queue. Paths for transfer steps derive from the configured roots.
type Dispatcher struct {
	queue              broker.Queue
	fileTransferQueue  string
	remoteExecQueue    string
	localCasesRoot     string
	remoteUploadRoot   string
	remoteDownloadRoot string
}

func NewDispatcher(q broker.Queue, fileTransferQueue, remoteExecQueue,
	localCasesRoot, remoteUploadRoot, remoteDownloadRoot string) *Dispatcher {
	return &Dispatcher{
		queue:              q,
		fileTransferQueue:  fileTransferQueue,
		remoteExecQueue:    remoteExecQueue,
		localCasesRoot:     localCasesRoot,
		remoteUploadRoot:   remoteUploadRoot,
		remoteDownloadRoot: remoteDownloadRoot,
	}
}

// Dispatch publishes the command for the step. The command string is only
// consulted for execute steps; gpuIndex likewise.
func (d *Dispatcher) Dispatch(ctx context.Context, step models.Step, caseID, correlationID, command string, gpuIndex int) error {
	var (
		queue   string
		outCmd  string
		payload any
	)

	switch step.Type {
	case models.StepTypeUpload:
		queue = d.fileTransferQueue
		outCmd = CmdUploadCase
		payload = TransferCommandPayload{
			CaseID:     caseID,
			LocalPath:  filepath.Join(d.localCasesRoot, caseID),
			RemotePath: path.Join(d.remoteUploadRoot, caseID),
		}
	case models.StepTypeDownload:
		queue = d.fileTransferQueue
		outCmd = CmdDownloadResults
		payload = TransferCommandPayload{
			CaseID:     caseID,
			LocalPath:  filepath.Join(d.localCasesRoot, caseID, "results"),
			RemotePath: path.Join(d.remoteDownloadRoot, caseID),
		}
	case models.StepTypeExecute:
		queue = d.remoteExecQueue
		outCmd = CmdExecuteCommand
		payload = ExecuteCommandPayload{
			CaseID:  caseID,
			Command: command,
			GPUID:   gpuIndex,
			Step:    step.Name,
		}
	default:
		return fmt.Errorf("step %q: undispatchable type %q", step.Name, step.Type)
	}

	env, err := broker.NewEnvelope(outCmd, payload, correlationID)
	if err != nil {
		return err
	}
	if err := d.queue.Publish(ctx, queue, env); err != nil {
		return fmt.Errorf("dispatching %s for case %s: %w", outCmd, caseID, err)
	}
	return nil
}
