// Package testworker is a fake in-process worker: it dials the controller's
// Unix socket and speaks the coordination protocol by hand, letting tests
// drive end-to-end scenarios without spawning a real container.
package testworker

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/cuemby/datallog-core/internal/protocol"
	"github.com/cuemby/datallog-core/internal/types"
)

// Step computes zero or more successor arguments (one per returned value)
// from a work item's argument, or a terminal result when terminal is true.
type Step func(argument json.RawMessage) (successors []json.RawMessage, result json.RawMessage, terminal bool)

// Worker is a fake worker bound to a single socket connection.
type Worker struct {
	ID    int
	conn  net.Conn
	codec *protocol.Codec
	steps map[int]Step
}

// Dial connects to the controller's socket as worker id and fetches its
// execution props, mirroring the real worker's registration handshake
// (spawned -> connected -> registered).
func Dial(socketPath string, id int, steps map[int]Step) (*Worker, types.ExecutionProps, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, types.ExecutionProps{}, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	codec := protocol.NewCodec(conn)

	if err := codec.Encode(protocol.GetStepExecutionProps(id)); err != nil {
		conn.Close()
		return nil, types.ExecutionProps{}, err
	}
	reply, err := codec.Decode()
	if err != nil {
		conn.Close()
		return nil, types.ExecutionProps{}, err
	}

	w := &Worker{ID: id, conn: conn, codec: codec, steps: steps}
	return w, reply.ToExecutionProps(), nil
}

// Close closes the underlying connection.
func (w *Worker) Close() error {
	return w.conn.Close()
}

// RunToCompletion drives the fetch-work/execute/publish loop
// until the controller reports NO_MORE_WORK_ITEMS, applying steps[item's
// StepIndex] to each fetched item.
func (w *Worker) RunToCompletion() error {
	for {
		if err := w.codec.Encode(protocol.GetWorkItem(w.ID)); err != nil {
			return err
		}
		reply, err := w.codec.Decode()
		if err != nil {
			return err
		}
		if reply.Type == protocol.TypeNoMoreWorkItems {
			return nil
		}

		item := reply.ToWorkItem()
		step, ok := w.steps[item.StepIndex]
		if !ok {
			return fmt.Errorf("no step registered for step index %d", item.StepIndex)
		}

		successors, result, terminal := step(item.Argument)
		if terminal {
			if err := w.codec.Encode(protocol.PublishResult(item.WorkID, result)); err != nil {
				return err
			}
			continue
		}

		for _, arg := range successors {
			successor := types.WorkItem{
				WorkID:     fmt.Sprintf("%s.%d", item.WorkID, len(item.Sequence)),
				StepIndex:  item.StepIndex + 1,
				Argument:   arg,
				FromWorkID: &item.WorkID,
				Sequence:   append(append([]int{}, item.Sequence...), item.StepIndex+1),
			}
			if err := w.codec.Encode(protocol.WorkItemMsg(successor)); err != nil {
				return err
			}
		}

		if err := w.codec.Encode(protocol.MarkAsIdle(w.ID)); err != nil {
			return err
		}
	}
}
