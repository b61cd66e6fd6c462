package core

import (
	"fmt"

	"github.com/ojoquinhaa/dezap/pkg/protocol"
)

// Command is the typed input sum pushed into the service by collaborators.
// Submit acknowledges each command immediately; long-running effects arrive
// as events.
type Command interface {
	command()
}

type Listen struct {
	Bind     string // empty = configured bind address
	Password string // empty = configured listen password
}

type StopListener struct{}

type Connect struct {
	Addr     string
	Password string // empty = configured peer password
}

type Disconnect struct {
	Session SessionID
}

type SendText struct {
	Session SessionID
	Body    string
}

type SendFile struct {
	Session SessionID
	Path    string
}

type AcceptFile struct {
	OfferID    protocol.OfferID
	TargetPath string
}

type DeclineFile struct {
	OfferID protocol.OfferID
}

type Discover struct{}

type Shutdown struct{}

func (Listen) command()       {}
func (StopListener) command() {}
func (Connect) command()      {}
func (Disconnect) command()   {}
func (SendText) command()     {}
func (SendFile) command()     {}
func (AcceptFile) command()   {}
func (DeclineFile) command()  {}
func (Discover) command()     {}
func (Shutdown) command()     {}

// CommandError is a rejected command acknowledgment carrying the error kind
// collaborators map to exit codes.
type CommandError struct {
	Kind   ErrKind
	Detail string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func rejectf(kind ErrKind, format string, args ...any) *CommandError {
	return &CommandError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
