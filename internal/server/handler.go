package server

import (
	"errors"
	"io"
	"net"

	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/protocol"
	"github.com/cuemby/datallog-core/internal/types"
)

// handleConnection loops: read one message, dispatch by type to the
// controller, send a reply if the variant requires one, and on
// NO_MORE_WORK_ITEMS dispatch, break. A clean EOF just ends the loop; a
// parse failure is recorded as a worker error and also ends it.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	for {
		env, err := codec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.logProtocolError(err)
			s.ctrl.RecordWorkerError(types.WorkerError{Error: err.Error()})
			return
		}

		reply, closeAfter, err := s.dispatch(env)
		if err != nil {
			if errors.Is(err, corerr.ErrInvariantViolation) {
				// Controller.AddWorkItem already called Abort; don't also
				// file this as a sibling-surviving worker error.
				s.logger.Warn().Err(err).Msg("closing connection after invariant violation")
				return
			}
			s.ctrl.RecordWorkerError(types.WorkerError{Error: err.Error()})
			return
		}
		if reply != nil {
			if err := codec.Encode(*reply); err != nil {
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// dispatch routes one decoded envelope to the controller. It returns an
// optional reply envelope and whether the connection should close after
// sending it (true only for NO_MORE_WORK_ITEMS).
func (s *Server) dispatch(env protocol.Envelope) (*protocol.Envelope, bool, error) {
	switch env.Type {
	case protocol.TypeGetStepExecutionProps:
		reply := protocol.ExecutionPropsMsg(s.ctrl.Props())
		return &reply, false, nil

	case protocol.TypeGetWorkItem:
		item, ok := s.ctrl.GetWorkItem(env.WorkerID)
		if !ok {
			reply := protocol.NoMoreWorkItems()
			return &reply, true, nil
		}
		reply := protocol.WorkItemMsg(item)
		return &reply, false, nil

	case protocol.TypeWorkItem:
		if err := s.ctrl.AddWorkItem(env.ToWorkItem()); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	case protocol.TypePublishResult:
		s.ctrl.PublishResult(env.WorkID, env.Result)
		return nil, false, nil

	case protocol.TypeWorkerError:
		s.ctrl.RecordWorkerError(env.ToWorkerError())
		return nil, false, nil

	case protocol.TypeMarkAsIdle:
		s.ctrl.MarkIdle(env.WorkerID)
		return nil, false, nil

	default:
		return nil, false, corerr.ErrProtocolViolation
	}
}

func (s *Server) logProtocolError(err error) {
	s.logger.Warn().Err(err).Msg("closing connection after protocol error")
}
