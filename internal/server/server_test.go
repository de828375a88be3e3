package server

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/datallog-core/internal/controller"
	"github.com/cuemby/datallog-core/internal/protocol"
	"github.com/cuemby/datallog-core/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, parallelism int) *controller.Controller {
	t.Helper()
	c, err := controller.New(controller.Config{
		Props:       types.ExecutionProps{FilePath: "/deploy/app.py", ExecutionID: "exec-1"},
		StepCount:   2,
		Parallelism: parallelism,
		Seed:        json.RawMessage(`0`),
		Spawn:       func(int) error { return nil },
	})
	require.NoError(t, err)
	return c
}

func dial(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dialing %s: %v", path, err)
	return nil
}

func TestServerGetStepExecutionPropsRoundTrip(t *testing.T) {
	ctrl := newTestController(t, 1)
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv, err := New(sockPath, ctrl)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	conn := dial(t, sockPath)
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	require.NoError(t, codec.Encode(protocol.GetStepExecutionProps(0)))
	reply, err := codec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeExecutionProps, reply.Type)
	require.Equal(t, "/deploy/app.py", reply.FilePath)
	require.Equal(t, "exec-1", reply.ExecutionID)
}

func TestServerGetWorkItemThenNoMoreWorkItemsClosesConnection(t *testing.T) {
	ctrl := newTestController(t, 1)
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv, err := New(sockPath, ctrl)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	conn := dial(t, sockPath)
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	require.NoError(t, codec.Encode(protocol.GetWorkItem(0)))
	first, err := codec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeWorkItem, first.Type)

	require.NoError(t, codec.Encode(protocol.GetWorkItem(0)))
	second, err := codec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.TypeNoMoreWorkItems, second.Type)

	// The server closes the connection right after NO_MORE_WORK_ITEMS.
	_, err = codec.Decode()
	require.Error(t, err)
}

func TestServerPublishResultReachesController(t *testing.T) {
	ctrl := newTestController(t, 1)
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv, err := New(sockPath, ctrl)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	conn := dial(t, sockPath)
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	require.NoError(t, codec.Encode(protocol.PublishResult("w-1", json.RawMessage(`42`))))
	conn.Close()

	require.Eventually(t, func() bool {
		return len(ctrl.Results()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "w-1", ctrl.Results()[0].WorkID)
}

func TestServerWorkerErrorReachesController(t *testing.T) {
	ctrl := newTestController(t, 1)
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv, err := New(sockPath, ctrl)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	conn := dial(t, sockPath)
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	require.NoError(t, codec.Encode(protocol.WorkerErrorMsg("boom", "trace", nil)))
	conn.Close()

	require.Eventually(t, func() bool {
		return len(ctrl.Errors()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerWorkItemOutOfRangeAbortsRatherThanRecordingAWorkerError(t *testing.T) {
	ctrl := newTestController(t, 1)
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv, err := New(sockPath, ctrl)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	conn := dial(t, sockPath)
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	require.NoError(t, codec.Encode(protocol.WorkItemMsg(types.WorkItem{
		WorkID: "bad", StepIndex: 99, Sequence: []int{99},
	})))

	select {
	case <-ctrl.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() should close once the controller aborts on an invariant violation")
	}
	require.Error(t, ctrl.FatalError())
	require.Empty(t, ctrl.Errors(), "an invariant violation must not be filed as a worker error")
}

func TestServerStopClosesListenerAndPendingAcceptReturns(t *testing.T) {
	ctrl := newTestController(t, 1)
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv, err := New(sockPath, ctrl)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		srv.Serve()
		close(done)
	}()

	srv.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
