package ftptest

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/telebroad/ftpweb/remote"
	"github.com/telebroad/ftpweb/remote/remotetest"
)

type handlerMap map[string]func(cmd, arg string) error

type dataResult struct {
	conn net.Conn
	err  error
}

// session is the state of one control connection
type session struct {
	server *Server
	text   *textproto.Conn
	conn   net.Conn
	client *remotetest.Client

	user       string
	loggedIn   bool
	workingDir string
	renameFrom string
	protected  bool

	dataListener net.Listener
	dataC        chan dataResult
}

func newSession(s *Server, conn net.Conn) *session {
	return &session{
		server:     s,
		conn:       conn,
		text:       textproto.NewConn(conn),
		client:     remotetest.NewClient(s.fs),
		workingDir: "/",
	}
}

func (s *session) handlers() handlerMap {
	return handlerMap{
		"AUTH": s.AuthCommand,             // AUTH TLS upgrades the control connection
		"PBSZ": s.ProtectionBufferCommand, // PBSZ 0 is required before PROT
		"PROT": s.ProtectionCommand,       // PROT P protects the data connections
		"USER": s.UserCommand,
		"PASS": s.PassCommand,
		"SYST": s.SystemCommand,
		"FEAT": s.FeaturesCommand,
		"OPTS": s.OptsCommand,
		"TYPE": s.TypeCommand,
		"NOOP": s.NoopCommand,
		"PWD":  s.PrintWorkingDirectoryCommand,
		"CWD":  s.ChangeDirectoryCommand,
		"CDUP": s.ChangeDirectoryToParentCommand,
		"PASV": s.PassiveModeCommand,
		"EPSV": s.ExtendedPassiveModeCommand,
		"LIST": s.ListCommand,
		"MLSD": s.ListCommand,
		"RETR": s.RetrieveCommand,
		"STOR": s.StoreCommand,
		"MKD":  s.MakeDirectoryCommand,
		"DELE": s.DeleteCommand,
		"RMD":  s.RemoveDirectoryCommand,
		"RNFR": s.RenameFromCommand,
		"RNTO": s.RenameToCommand,
		"QUIT": s.QuitCommand,
	}
}

func (s *session) reply(code StatusCode, format string, args ...any) error {
	return s.text.PrintfLine("%d %s", code, fmt.Sprintf(format, args...))
}

// abs resolves arg against the working directory
func (s *session) abs(arg string) string {
	if arg == "" {
		return s.workingDir
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Join(s.workingDir, arg)
}

func (s *session) AuthCommand(cmd, arg string) error {
	if !strings.EqualFold(arg, "TLS") {
		return s.reply(StatusNotImplementedForParam, "AUTH %s not supported", arg)
	}
	if s.server.tlsConfig == nil {
		return s.reply(StatusTLSUnavailable, "TLS not available")
	}
	if err := s.reply(StatusSecurityExchangeOK, "AUTH TLS ok, expecting TLS negotiation"); err != nil {
		return err
	}
	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	s.conn = tlsConn
	s.text = textproto.NewConn(tlsConn)
	return nil
}

func (s *session) ProtectionBufferCommand(cmd, arg string) error {
	return s.reply(StatusCommandOK, "PBSZ=0")
}

func (s *session) ProtectionCommand(cmd, arg string) error {
	switch strings.ToUpper(arg) {
	case "P":
		if s.server.tlsConfig == nil {
			return s.reply(StatusTLSUnavailable, "TLS not available")
		}
		s.protected = true
	case "C":
		s.protected = false
	default:
		return s.reply(StatusNotImplementedForParam, "PROT %s not supported", arg)
	}
	return s.reply(StatusCommandOK, "Protection level set to %s", strings.ToUpper(arg))
}

func (s *session) UserCommand(cmd, arg string) error {
	s.user = arg
	s.loggedIn = false
	return s.reply(StatusUserOK, "Please specify the password")
}

func (s *session) PassCommand(cmd, arg string) error {
	if s.user == "" {
		return s.reply(StatusBadSequence, "Login with USER first")
	}
	if want, ok := s.server.users[s.user]; !ok || want != arg {
		return s.reply(StatusNotLoggedIn, "Login incorrect")
	}
	s.loggedIn = true
	return s.reply(StatusUserLoggedIn, "Login successful")
}

func (s *session) SystemCommand(cmd, arg string) error {
	return s.reply(StatusNameSystemType, "UNIX Type: L8")
}

func (s *session) FeaturesCommand(cmd, arg string) error {
	features := []string{"UTF8", "MLST type*;size*;modify*;", "MLSD", "EPSV", "PASV"}
	if s.server.tlsConfig != nil {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}
	if err := s.text.PrintfLine("%d-Features:", StatusSystemStatus); err != nil {
		return err
	}
	for _, f := range features {
		if err := s.text.PrintfLine(" %s", f); err != nil {
			return err
		}
	}
	return s.reply(StatusSystemStatus, "End")
}

func (s *session) OptsCommand(cmd, arg string) error {
	if strings.EqualFold(arg, "UTF8 ON") {
		return s.reply(StatusCommandOK, "UTF8 mode enabled")
	}
	return s.reply(StatusSyntaxErrorInParams, "Option not understood")
}

func (s *session) TypeCommand(cmd, arg string) error {
	switch strings.ToUpper(arg) {
	case "I", "A":
		return s.reply(StatusCommandOK, "Type set to %s", strings.ToUpper(arg))
	default:
		return s.reply(StatusNotImplementedForParam, "Type %s not supported", arg)
	}
}

func (s *session) NoopCommand(cmd, arg string) error {
	return s.reply(StatusCommandOK, "NOOP ok")
}

func (s *session) PrintWorkingDirectoryCommand(cmd, arg string) error {
	return s.reply(StatusPathnameCreated, "%q is the current directory", s.workingDir)
}

func (s *session) ChangeDirectoryCommand(cmd, arg string) error {
	dir := s.abs(arg)
	if !s.server.fs.IsDir(dir) {
		return s.reply(StatusFileUnavailable, "%s: no such directory", dir)
	}
	s.workingDir = dir
	return s.reply(StatusFileActionOK, "Directory changed to %s", dir)
}

func (s *session) ChangeDirectoryToParentCommand(cmd, arg string) error {
	return s.ChangeDirectoryCommand(cmd, "..")
}

// openPassive listens for the next data connection. It is accepted, and the TLS
// handshake done, in the background so a client that handshakes on dial never waits on the control connection.
func (s *session) openPassive() (*net.TCPAddr, error) {
	s.discardData()

	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}

	ch := make(chan dataResult, 1)
	protected, tlsConfig := s.protected, s.server.tlsConfig
	go func() {
		defer ln.Close()
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(dataTimeout))
		}
		conn, err := ln.Accept()
		if err == nil && protected {
			tlsConn := tls.Server(conn, tlsConfig)
			_ = conn.SetDeadline(time.Now().Add(dataTimeout))
			if err = tlsConn.Handshake(); err != nil {
				_ = conn.Close()
			} else {
				_ = conn.SetDeadline(time.Time{})
				conn = tlsConn
			}
		}
		ch <- dataResult{conn: conn, err: err}
	}()

	s.dataListener = ln
	s.dataC = ch
	return ln.Addr().(*net.TCPAddr), nil
}

// dataConn returns the connection announced by the last PASV or EPSV
func (s *session) dataConn() (net.Conn, error) {
	ch := s.dataC
	s.dataC, s.dataListener = nil, nil
	res := <-ch
	return res.conn, res.err
}

// discardData drops a pending data connection
func (s *session) discardData() {
	if s.dataC == nil {
		return
	}
	_ = s.dataListener.Close()
	ch := s.dataC
	s.dataC, s.dataListener = nil, nil
	go func() {
		if res := <-ch; res.conn != nil {
			_ = res.conn.Close()
		}
	}()
}

func (s *session) PassiveModeCommand(cmd, arg string) error {
	addr, err := s.openPassive()
	if err != nil {
		return s.reply(StatusCantOpenDataConnection, "Can't open data connection: %s", err)
	}
	ip := addr.IP.To4()
	if ip == nil {
		s.discardData()
		return s.reply(StatusCantOpenDataConnection, "PASV needs IPv4, use EPSV")
	}
	return s.reply(StatusEnteringPassiveMode, "Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip[0], ip[1], ip[2], ip[3], addr.Port>>8, addr.Port&0xff)
}

func (s *session) ExtendedPassiveModeCommand(cmd, arg string) error {
	addr, err := s.openPassive()
	if err != nil {
		return s.reply(StatusCantOpenDataConnection, "Can't open data connection: %s", err)
	}
	return s.reply(StatusEnteringExtendedPasv, "Entering Extended Passive Mode (|||%d|)", addr.Port)
}

// transfer runs fn on the data connection between the 150 and 226 replies
func (s *session) transfer(fn func(conn net.Conn) error) error {
	if s.dataC == nil {
		return s.reply(StatusCantOpenDataConnection, "Use PASV or EPSV first")
	}
	if err := s.reply(StatusFileStatusOK, "Opening data connection"); err != nil {
		s.discardData()
		return err
	}
	conn, err := s.dataConn()
	if err != nil {
		return s.reply(StatusCantOpenDataConnection, "Can't open data connection: %s", err)
	}
	err = fn(conn)
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return s.reply(StatusLocalProcessingError, "Transfer failed: %s", err)
	}
	return s.reply(StatusClosingDataConnection, "Transfer complete")
}

// factLine formats an entry as an RFC 3659 MLSD line
func factLine(e remote.Entry) string {
	modify := e.ModifiedAt.UTC().Format("20060102150405")
	if e.IsDir() {
		return fmt.Sprintf("type=dir;modify=%s; %s", modify, e.Name)
	}
	return fmt.Sprintf("type=file;size=%d;modify=%s; %s", e.Size, modify, e.Name)
}

// ListCommand answers LIST and MLSD with machine readable facts
func (s *session) ListCommand(cmd, arg string) error {
	if strings.HasPrefix(arg, "-") {
		arg = ""
	}
	dir := s.abs(arg)
	entries, err := s.client.List(dir)
	if err != nil {
		s.discardData()
		return s.reply(StatusFileUnavailable, "%s: %s", dir, err)
	}
	return s.transfer(func(conn net.Conn) error {
		for _, e := range entries {
			if _, err := io.WriteString(conn, factLine(e)+"\r\n"); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) RetrieveCommand(cmd, arg string) error {
	p := s.abs(arg)
	r, err := s.client.Retrieve(p)
	if err != nil {
		s.discardData()
		return s.reply(StatusFileUnavailable, "%s: %s", p, err)
	}
	defer r.Close()
	return s.transfer(func(conn net.Conn) error {
		_, err := io.Copy(conn, r)
		return err
	})
}

func (s *session) StoreCommand(cmd, arg string) error {
	p := s.abs(arg)
	if !s.server.fs.IsDir(path.Dir(p)) || s.server.fs.IsDir(p) {
		s.discardData()
		return s.reply(StatusFileUnavailable, "%s: can not store here", p)
	}
	return s.transfer(func(conn net.Conn) error {
		return s.client.Store(p, conn)
	})
}

func (s *session) MakeDirectoryCommand(cmd, arg string) error {
	dir := s.abs(arg)
	if s.server.fs.Exists(dir) {
		return s.reply(StatusFileUnavailable, "%s: file exists", dir)
	}
	if !s.server.fs.IsDir(path.Dir(dir)) {
		return s.reply(StatusFileUnavailable, "%s: parent directory does not exist", dir)
	}
	if err := s.client.MakeDirAll(dir); err != nil {
		return s.reply(StatusFileUnavailable, "%s: %s", dir, err)
	}
	return s.reply(StatusPathnameCreated, "%q created", dir)
}

func (s *session) DeleteCommand(cmd, arg string) error {
	p := s.abs(arg)
	if err := s.client.Remove(p); err != nil {
		return s.reply(StatusFileUnavailable, "%s: %s", p, err)
	}
	return s.reply(StatusFileActionOK, "File deleted")
}

// RemoveDirectoryCommand only removes empty directories
func (s *session) RemoveDirectoryCommand(cmd, arg string) error {
	dir := s.abs(arg)
	entries, err := s.client.List(dir)
	if err != nil {
		return s.reply(StatusFileUnavailable, "%s: %s", dir, err)
	}
	if len(entries) > 0 {
		return s.reply(StatusFileUnavailable, "%s: directory not empty", dir)
	}
	if err := s.client.RemoveDir(dir); err != nil {
		return s.reply(StatusFileUnavailable, "%s: %s", dir, err)
	}
	return s.reply(StatusFileActionOK, "Directory removed")
}

func (s *session) RenameFromCommand(cmd, arg string) error {
	p := s.abs(arg)
	if !s.server.fs.Exists(p) {
		s.renameFrom = ""
		return s.reply(StatusFileUnavailable, "%s: no such file or directory", p)
	}
	s.renameFrom = p
	return s.reply(StatusFileActionPending, "Ready for RNTO")
}

func (s *session) RenameToCommand(cmd, arg string) error {
	from := s.renameFrom
	s.renameFrom = ""
	if from == "" {
		return s.reply(StatusBadSequence, "RNFR required first")
	}
	to := s.abs(arg)
	if err := s.client.Rename(from, to); err != nil {
		return s.reply(StatusFileNameNotAllowed, "%s: %s", to, err)
	}
	return s.reply(StatusFileActionOK, "Rename successful")
}

func (s *session) QuitCommand(cmd, arg string) error {
	if err := s.reply(StatusClosingControl, "Goodbye"); err != nil {
		return err
	}
	return errQuit
}
