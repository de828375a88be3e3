// Package server implements the stream server and per-connection request
// handler: a threaded server over a Unix-domain socket that dispatches
// decoded protocol messages to the controller.
package server

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/cuemby/datallog-core/internal/controller"
	"github.com/cuemby/datallog-core/internal/log"
	"github.com/rs/zerolog"
)

const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// SocketPath generates the per-execution socket path:
// <tmpdir>/<prefix>_<10-random-alphanumeric>.sock.
func SocketPath(tmpDir, prefix string) (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating socket suffix: %w", err)
	}
	suffix := make([]byte, 10)
	for i, b := range buf {
		suffix[i] = alnum[int(b)%len(alnum)]
	}
	return filepath.Join(tmpDir, fmt.Sprintf("%s_%s.sock", prefix, suffix)), nil
}

// Server is a threaded Unix-domain stream server. One accept-loop goroutine
// runs Serve; each accepted connection is handled in its own goroutine.
type Server struct {
	path   string
	ctrl   *controller.Controller
	ln     net.Listener
	logger zerolog.Logger
}

// New binds a Unix-domain socket at path, unlinking any stale file left
// there first.
func New(path string, ctrl *controller.Controller) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("unlinking stale socket at %s: %w", path, err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding unix socket at %s: %w", path, err)
	}

	return &Server{
		path:   path,
		ctrl:   ctrl,
		ln:     ln,
		logger: log.WithComponent("server"),
	}, nil
}

// Path returns the bound socket path.
func (s *Server) Path() string {
	return s.path
}

// Serve runs the accept loop until the listener is closed by Stop, or the
// controller signals completion, whichever comes first. It never returns
// an error for a clean shutdown.
func (s *Server) Serve() {
	go func() {
		<-s.ctrl.Done()
		s.Stop()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Accept fails this way only once Stop has closed the listener.
			return
		}
		go s.handleConnection(conn)
	}
}

// Stop closes the listener; in-flight handlers observe EOF or a closed
// queue and exit on their own.
func (s *Server) Stop() {
	_ = s.ln.Close()
}
