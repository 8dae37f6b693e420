// Description: sftptest package
// In-process SSH server with an in-memory SFTP subsystem, used to test the sftp backend end to end

package sftptest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/sftp"
	"github.com/telebroad/ftpweb/keys"
	"golang.org/x/crypto/ssh"
)

type Server struct {
	logger    *slog.Logger
	users     map[string]string
	sshConfig *ssh.ServerConfig
	hostKey   ssh.Signer
	handlers  sftp.Handlers
	listener  net.Listener

	lock  sync.Mutex
	conns map[*ssh.ServerConn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server accepting the given user/password pairs.
// A new host key is generated for every server.
func NewServer(users map[string]string) (*Server, error) {
	hostKey, err := keys.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("error generating host key: %w", err)
	}
	s := &Server{
		logger:   slog.Default(),
		users:    users,
		hostKey:  hostKey,
		handlers: sftp.InMemHandler(),
		conns:    make(map[*ssh.ServerConn]struct{}),
	}
	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback: s.AuthHandler,
	}
	s.sshConfig.AddHostKey(hostKey)
	return s, nil
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.logger = l
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	return s.logger.With("module", "sftptest")
}

// HostKey returns the public host key clients must see
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
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
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.sshHandler(conn)
			}()
		}
	}()
	return nil
}

// DropConnections closes every open SSH connection while leaving the listener up
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

// AuthHandler is called by the SSH server when a client attempts to authenticate.
func (s *Server) AuthHandler(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	if want, ok := s.users[c.User()]; ok && want == string(pass) {
		return nil, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) sshHandler(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.Logger().Debug("Failed to handshake", "error", err)
		return
	}
	s.lock.Lock()
	s.conns[sshConn] = struct{}{}
	s.lock.Unlock()
	defer func() {
		s.lock.Lock()
		delete(s.conns, sshConn)
		s.lock.Unlock()
	}()

	s.Logger().Debug("New SSH connection", "RemoteAddr", sshConn.RemoteAddr().String(), "ssh-User", sshConn.User())
	// The incoming Request channel must be serviced.
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.Logger().Debug("Could not accept channel", "error", err)
			return
		}
		go s.filterHandler(requests)

		server := sftp.NewRequestServer(channel, s.handlers)
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			s.Logger().Debug("sftp server completed with error", "error", err)
		}
		_ = server.Close()
	}
}

// filterHandler only accepts the sftp subsystem
func (s *Server) filterHandler(in <-chan *ssh.Request) {
	for req := range in {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if err := req.Reply(ok, nil); err != nil {
			return
		}
	}
}
