package server

import (
	"msgnet/link"
	"msgnet/protocol"
)

// Worker is the server-side record for one connected client: its
// assigned id, its link, and the set of groups it participates in.
//
// Workers are created by the accept loop after a successful welcome
// write and destroyed by Server.Disconnect.  The groups set is a
// secondary index mirror; it is guarded by the server's groups mutex.
type Worker struct {
	id     protocol.ClientID
	link   *link.Link
	srv    *Server
	groups map[GroupID]struct{}
}

func newWorker(id protocol.ClientID, l *link.Link, srv *Server) *Worker {
	return &Worker{
		id:     id,
		link:   l,
		srv:    srv,
		groups: make(map[GroupID]struct{}),
	}
}

// ID returns the client id assigned at accept time.
func (w *Worker) ID() protocol.ClientID {
	return w.id
}

// Online reports the liveness of the worker's link.
func (w *Worker) Online() bool {
	return w.link.Online()
}

// PeerAddr returns the remote address of the worker's link.
func (w *Worker) PeerAddr() string {
	return w.link.PeerAddr()
}

// Disconnect removes the worker from its server.  The server performs
// the actual teardown: the link is closed, group memberships are
// dropped, and the table entry is erased.
func (w *Worker) Disconnect() {
	w.srv.Disconnect(w.id)
}
