package ftptest

import (
	"errors"
	"strings"
)

// StatusCode is an FTP reply code
type StatusCode = int

const (
	StatusFileStatusOK           StatusCode = 150 // File status okay; about to open data connection
	StatusCommandOK              StatusCode = 200 // Command okay
	StatusSystemStatus           StatusCode = 211 // System status, or system help reply
	StatusNameSystemType         StatusCode = 215 // NAME system type
	StatusReady                  StatusCode = 220 // Service ready for new user
	StatusClosingControl         StatusCode = 221 // Service closing control connection
	StatusClosingDataConnection  StatusCode = 226 // Closing data connection; requested file action successful
	StatusEnteringPassiveMode    StatusCode = 227 // Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	StatusEnteringExtendedPasv   StatusCode = 229 // Entering Extended Passive Mode (|||port|)
	StatusUserLoggedIn           StatusCode = 230 // User logged in, proceed
	StatusSecurityExchangeOK     StatusCode = 234 // Server accepts authentication method/security mechanism
	StatusFileActionOK           StatusCode = 250 // Requested file action okay, completed
	StatusPathnameCreated        StatusCode = 257 // "PATHNAME" created
	StatusUserOK                 StatusCode = 331 // User name okay, need password
	StatusFileActionPending      StatusCode = 350 // Requested file action pending further information
	StatusCantOpenDataConnection StatusCode = 425 // Can't open data connection
	StatusTransferAborted        StatusCode = 426 // Connection closed; transfer aborted
	StatusLocalProcessingError   StatusCode = 451 // Requested action aborted: local error in processing
	StatusSyntaxErrorInParams    StatusCode = 501 // Syntax error in parameters or arguments
	StatusNotImplemented         StatusCode = 502 // Command not implemented
	StatusBadSequence            StatusCode = 503 // Bad sequence of commands
	StatusNotImplementedForParam StatusCode = 504 // Command not implemented for that parameter
	StatusNotLoggedIn            StatusCode = 530 // Not logged in
	StatusTLSUnavailable         StatusCode = 534 // Request denied for policy reasons
	StatusFileUnavailable        StatusCode = 550 // Requested action not taken; File unavailable
	StatusFileNameNotAllowed     StatusCode = 553 // Requested action not taken; file name not allowed
)

// allowedBeforeLogin are the commands accepted on a connection that is not logged in yet
var allowedBeforeLogin = map[string]bool{
	"AUTH": true,
	"PBSZ": true,
	"PROT": true,
	"USER": true,
	"PASS": true,
	"SYST": true,
	"FEAT": true,
	"OPTS": true,
	"NOOP": true,
	"QUIT": true,
}

// errQuit ends the session after the QUIT reply
var errQuit = errors.New("quit")

// parseCommand splits a command line into the upper case command and its argument
func parseCommand(line string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(strings.TrimRight(line, "\r\n"), " ")
	return strings.ToUpper(cmd), arg
}
