// Description: ftptest package
// In-process FTP server over a remotetest.FS, used to test the ftp backend end to end.
// It speaks the part of RFC 959, 2228, 2428 and 3659 a client needs for passive transfers,
// MLSD listings and explicit TLS.

package ftptest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/telebroad/ftpweb/keys"
	"github.com/telebroad/ftpweb/remote/remotetest"
)

// dataTimeout bounds the wait for a client to open a passive data connection
const dataTimeout = 10 * time.Second

type Server struct {
	logger    *slog.Logger
	fs        *remotetest.FS
	users     map[string]string
	tlsConfig *tls.Config
	listener  net.Listener

	lock  sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server exposing fs to the given user/password pairs
func NewServer(fs *remotetest.FS, users map[string]string) *Server {
	return &Server{
		logger: slog.Default(),
		fs:     fs,
		users:  users,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (s *Server) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.logger = l
}

func (s *Server) Logger() *slog.Logger {
	return s.logger.With("module", "ftptest")
}

// EnableTLS accepts AUTH TLS with a fresh self-signed certificate for 127.0.0.1
func (s *Server) EnableTLS() error {
	certFile, keyFile, err := keys.SelfSignedCertificate(time.Hour, "127.0.0.1", "localhost")
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("error loading certificate: %w", err)
	}
	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return nil
}

// Addr returns the listening address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens on a random loopback port and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.Logger().Debug("Listening on " + listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.Logger().Error("Failed to accept incoming connection", "error", err)
				}
				return
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.track(conn, false)
				s.handleConnection(conn)
			}()
		}
	}()
	return nil
}

func (s *Server) track(conn net.Conn, add bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// DropConnections closes every control connection while leaving the listener up
func (s *Server) DropConnections() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the listener, drops the connections and waits for the handlers
func (s *Server) Close() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.DropConnections()
	s.wg.Wait()
}

// Sessions returns the number of open control connections
func (s *Server) Sessions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.conns)
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	sess := newSession(s, conn)
	defer sess.discardData()

	logger := s.Logger().With("remote", conn.RemoteAddr().String())
	logger.Debug("New FTP connection")
	handlers := sess.handlers()

	if err := sess.reply(StatusReady, "ftptest ready"); err != nil {
		return
	}
	for {
		line, err := sess.text.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Failed to read command", "error", err)
			}
			return
		}
		cmd, arg := parseCommand(line)
		if cmd == "PASS" {
			logger.Debug("Command", "cmd", cmd)
		} else {
			logger.Debug("Command", "cmd", cmd, "arg", arg)
		}

		handler, ok := handlers[cmd]
		switch {
		case !ok:
			err = sess.reply(StatusNotImplemented, "Command not implemented")
		case !sess.loggedIn && !allowedBeforeLogin[cmd]:
			err = sess.reply(StatusNotLoggedIn, "Not logged in")
		default:
			err = handler(cmd, arg)
		}
		if errors.Is(err, errQuit) {
			logger.Debug("Client quit")
			return
		}
		if err != nil {
			logger.Debug("Connection failed", "error", err)
			return
		}
	}
}
