package mux

import (
	"io"

	"github.com/ianremillard/lspmux/internal/wire"
)

// ClientID identifies one connected editor/tool session for the lifetime of
// its connection. IDs are never reused by a running Mux.
type ClientID int64

type clientConn struct {
	id           ClientID
	out          *outboundWriter
	closer       io.Closer
	supportsPull bool
}

// originEntry remembers which client issued a request the mux forwarded to
// the server under a freshly minted positive id, and what id that client
// used originally, so the eventual server response can be translated back.
type originEntry struct {
	client ClientID
	id     wire.ID
}

// internalEntry marks a server-bound request the mux itself originated
// (currently: bridge pull-diagnostic polls) rather than one forwarded on
// behalf of a client.
type internalEntry struct {
	uri string
}

type initPhase int

const (
	initNotStarted initPhase = iota
	initInProgress
	initDone
)

type deferredInit struct {
	client ClientID
	id     wire.ID
}
