package core

import (
	"time"

	"github.com/ojoquinhaa/dezap/internal/discovery"
	"github.com/ojoquinhaa/dezap/pkg/protocol"
)

// SessionID names a live session. Assigned from a monotonic counter when the
// QUIC connection is established.
type SessionID uint64

// ErrKind classifies failures surfaced to collaborators.
type ErrKind string

const (
	KindConfiguration ErrKind = "configuration"
	KindTransport     ErrKind = "transport"
	KindHandshake     ErrKind = "handshake"
	KindCrypto        ErrKind = "crypto"
	KindProtocol      ErrKind = "protocol"
	KindTooLarge      ErrKind = "too-large"
	KindIntegrity     ErrKind = "integrity"
	KindFileSystem    ErrKind = "filesystem"
	KindDenied        ErrKind = "denied"
	KindTimeout       ErrKind = "timeout"
	KindCancelled     ErrKind = "cancelled"
	KindInternal      ErrKind = "internal"
	KindGraceful      ErrKind = "graceful"
)

// Event is anything the service reports back to collaborators. Events are
// serialized through a single channel; consumers observe them in commit
// order.
type Event interface {
	event()
}

type ListenerStarted struct {
	Addr string
}

type ListenerStopped struct{}

type Connecting struct {
	Addr string
}

type Connected struct {
	Session SessionID
	Handle  string
	Addr    string
}

type Disconnected struct {
	Session SessionID
	Reason  ErrKind
	Detail  string
}

type MessageReceived struct {
	Session   SessionID
	Body      string
	Timestamp time.Time
}

type MessageFailed struct {
	Session SessionID
	Kind    ErrKind
}

type FileOfferReceived struct {
	OfferID  protocol.OfferID
	Session  SessionID
	Meta     protocol.FileMeta
	SaveName string
}

type FileOfferRejected struct {
	OfferID protocol.OfferID
	Reason  protocol.RejectReason
}

type FileTransferProgress struct {
	OfferID          protocol.OfferID
	BytesTransferred int64
	Total            int64
}

type FileTransferCompleted struct {
	OfferID protocol.OfferID
	Path    string
}

type FileTransferFailed struct {
	OfferID protocol.OfferID
	Kind    ErrKind
}

type DiscoveredPeers struct {
	Peers []discovery.Peer
}

type Error struct {
	Kind   ErrKind
	Detail string
}

func (ListenerStarted) event()       {}
func (ListenerStopped) event()       {}
func (Connecting) event()            {}
func (Connected) event()             {}
func (Disconnected) event()          {}
func (MessageReceived) event()       {}
func (MessageFailed) event()         {}
func (FileOfferReceived) event()     {}
func (FileOfferRejected) event()     {}
func (FileTransferProgress) event()  {}
func (FileTransferCompleted) event() {}
func (FileTransferFailed) event()    {}
func (DiscoveredPeers) event()       {}
func (Error) event()                 {}
