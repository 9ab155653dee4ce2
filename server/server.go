// Package server implements the multi-client half of the message
// runtime: it accepts connections, hands out client ids, multiplexes
// sends and receives across all workers, and dispatches received
// commands to registered handlers.
//
// Concurrency overview
// --------------------
//
//	┌────────────────────────────────────────────────────────────┐
//	│  Accept loop                                               │
//	│  Polls the listener, applies the ip block list and the     │
//	│  capacity limit, writes the welcome frame, publishes the   │
//	│  worker.                                                   │
//	└────────────────────────────────────────────────────────────┘
//	┌────────────────────────────────────────────────────────────┐
//	│  Send loop                                                 │
//	│  Drains the outgoing queue, resolves the target worker,    │
//	│  writes one frame per message.                             │
//	└────────────────────────────────────────────────────────────┘
//	┌────────────────────────────────────────────────────────────┐
//	│  Receive loop                                              │
//	│  Sweeps a snapshot of the worker table, reads every ready  │
//	│  frame, tags it with the source id, feeds the incoming     │
//	│  queue.  Reaps workers with broken links.                  │
//	└────────────────────────────────────────────────────────────┘
//	┌────────────────────────────────────────────────────────────┐
//	│  Dispatch loop                                             │
//	│  Pops the incoming queue and triggers the handler          │
//	│  registered for the message's command id.                  │
//	└────────────────────────────────────────────────────────────┘
//
// Three fine-grained mutexes guard the shared state: workers (worker
// table + id counter), ips (block set), groups (group table and every
// worker's own group set).  When both groups and workers are needed,
// groups is taken first.  No lock is ever held across a socket call;
// the loops snapshot the table and operate on the snapshot.
package server

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"msgnet/callback"
	"msgnet/link"
	"msgnet/protocol"
	"msgnet/queue"
)

// GroupID identifies an application-defined set of clients used for
// targeted fan-out.
type GroupID uint32

// Handler processes one received message: the raw payload and the id
// of the client it came from.
type Handler func(body protocol.Raw, source protocol.ClientID)

// event is the dispatch-loop argument bundled for the registry.
type event struct {
	body   protocol.Raw
	source protocol.ClientID
}

const (
	capacityBackoff = time.Second
	sendIdle        = 25 * time.Millisecond
	recvSweep       = 25 * time.Millisecond
	dispatchIdle    = 15 * time.Millisecond
	drainPoll       = 15 * time.Millisecond
)

var (
	// ErrShuttingDown reports a push refused because a graceful
	// shutdown has started draining the outgoing queue.
	ErrShuttingDown = errors.New("server: shutting down")

	// ErrNotOnline reports a push on a server that is not listening.
	ErrNotOnline = errors.New("server: not online")
)

// Config carries the server's optional knobs.  The zero value runs an
// unbounded, silent, unmetered server.
type Config struct {
	// MaxClients caps the worker table.  Values <= 0 mean unbounded.
	// When the table is full the accept loop backs off instead of
	// rejecting; waiting clients are admitted once a slot frees up.
	MaxClients int

	// Logger receives the runtime's structured log events.
	Logger zerolog.Logger

	// Registerer, when non-nil, gets the server's prometheus
	// collectors registered against it.
	Registerer prometheus.Registerer
}

// Server is the message-dispatch runtime's listening half.
type Server struct {
	cfg Config
	log zerolog.Logger

	listener *link.Listener
	online   atomic.Bool
	draining atomic.Bool
	wg       sync.WaitGroup

	workersMu sync.Mutex
	workers   map[protocol.ClientID]*Worker
	nextID    protocol.ClientID

	ipsMu sync.Mutex
	ips   map[string]struct{}

	groupsMu sync.Mutex
	groups   map[GroupID]map[protocol.ClientID]struct{}

	in  queue.Sync[protocol.Message]
	out queue.Sync[protocol.Message]

	registry *callback.Registry[protocol.CommandID, event]
	metrics  *metrics
}

// New creates a Server.  Handlers are attached before Start.
func New(cfg Config) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = -1
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "server").Logger(),
		workers:  make(map[protocol.ClientID]*Worker),
		ips:      make(map[string]struct{}),
		groups:   make(map[GroupID]map[protocol.ClientID]struct{}),
		registry: callback.New[protocol.CommandID, event](),
		metrics:  newMetrics(cfg.Registerer),
	}
}

// ---------------------------------------------------------------------------
// Handler registry
// ---------------------------------------------------------------------------

// Handle registers fn for cmd.  Registering the same command again
// keeps the last handler.
func (s *Server) Handle(cmd protocol.CommandID, fn Handler) {
	if fn == nil {
		return
	}
	s.registry.Attach(cmd, func(e event) { fn(e.body, e.source) })
}

// Detach removes the handler for cmd.
func (s *Server) Detach(cmd protocol.CommandID) {
	s.registry.Detach(cmd)
}

// HandleFallback sets the handler invoked for commands without a
// registered handler.
func (s *Server) HandleFallback(fn Handler) {
	if fn == nil {
		return
	}
	s.registry.Fallback(func(e event) { fn(e.body, e.source) })
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start opens the listener on port and launches the accept, send,
// receive, and dispatch loops.  Calling Start on an online server is a
// no-op.
func (s *Server) Start(port uint16) error {
	if s.online.Load() {
		return nil
	}
	ln, err := link.Listen(port)
	if err != nil {
		return err
	}
	s.listener = ln
	s.online.Store(true)

	s.wg.Add(4)
	go s.acceptLoop()
	go s.sendLoop()
	go s.receiveLoop()
	go s.dispatchLoop()

	s.log.Info().Str("addr", ln.Addr()).Msg("listening")
	return nil
}

// Online reports whether the listener is live.
func (s *Server) Online() bool {
	return s.online.Load()
}

// Port returns the bound listener port, or 0 when offline.
func (s *Server) Port() uint16 {
	if s.listener == nil || !s.online.Load() {
		return 0
	}
	return s.listener.Port()
}

// Shutdown stops the server.  With graceful set, pushes are refused
// from this point on and the outgoing queue is drained before the
// listener closes, so everything accepted earlier still goes out.
// Afterwards every worker is closed and deallocated, the queues are
// cleared, and the id counter resets to 0.
func (s *Server) Shutdown(graceful bool) {
	if !s.online.Load() {
		return
	}
	if graceful {
		s.draining.Store(true)
		s.log.Info().Msg("draining outgoing queue")
		for s.online.Load() && !s.out.Empty() {
			time.Sleep(drainPoll)
		}
	}

	s.online.Store(false)
	_ = s.listener.Close()
	s.wg.Wait()

	s.groupsMu.Lock()
	s.workersMu.Lock()
	closed := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		closed = append(closed, w)
	}
	s.workers = make(map[protocol.ClientID]*Worker)
	s.groups = make(map[GroupID]map[protocol.ClientID]struct{})
	s.nextID = 0
	s.workersMu.Unlock()
	s.groupsMu.Unlock()

	for _, w := range closed {
		_ = w.link.Close()
	}
	s.metrics.clients.Set(0)

	s.in.Clear()
	s.out.Clear()
	s.draining.Store(false)
	s.log.Info().Int("clients", len(closed)).Msg("server stopped")
}

// Disconnect atomically removes one worker: it leaves every group it
// belonged to, its table entry is erased, and its link is closed.
// Unknown ids are ignored.
func (s *Server) Disconnect(id protocol.ClientID) {
	s.groupsMu.Lock()
	s.workersMu.Lock()
	w, ok := s.workers[id]
	if ok {
		for g := range w.groups {
			if set, exists := s.groups[g]; exists {
				delete(set, id)
			}
		}
		delete(s.workers, id)
	}
	s.workersMu.Unlock()
	s.groupsMu.Unlock()

	if ok {
		_ = w.link.Close()
		s.metrics.clients.Dec()
		s.log.Info().Uint32("client", uint32(id)).Msg("client disconnected")
	}
}

// Clients returns the ids currently in the worker table, ascending.
func (s *Server) Clients() []protocol.ClientID {
	s.workersMu.Lock()
	ids := make([]protocol.ClientID, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.workersMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumClients returns the current worker-table size.
func (s *Server) NumClients() int {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	return len(s.workers)
}

// ---------------------------------------------------------------------------
// Admission control
// ---------------------------------------------------------------------------

// Block adds ip to the admission filter.  New connections from ip are
// silently closed after accept.  Already-connected workers from ip are
// not re-checked.
func (s *Server) Block(ip string) {
	s.ipsMu.Lock()
	s.ips[ip] = struct{}{}
	s.ipsMu.Unlock()
}

// Unblock removes ip from the admission filter.
func (s *Server) Unblock(ip string) {
	s.ipsMu.Lock()
	delete(s.ips, ip)
	s.ipsMu.Unlock()
}

func (s *Server) blocked(ip string) bool {
	s.ipsMu.Lock()
	defer s.ipsMu.Unlock()
	_, ok := s.ips[ip]
	return ok
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func (s *Server) pushable() error {
	if s.draining.Load() {
		return ErrShuttingDown
	}
	if !s.online.Load() {
		return ErrNotOnline
	}
	return nil
}

// Push encodes v and enqueues it for the given target.  Messages to
// ids that are gone by send time are discarded, not retried.
func (s *Server) Push(v any, target protocol.ClientID) error {
	if err := s.pushable(); err != nil {
		return err
	}
	m, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	m.Client = target
	s.out.Push(m)
	return nil
}

// Broadcast enqueues one copy of v for every currently-online worker.
// The fan-out is not atomic with respect to concurrent pushes.
func (s *Server) Broadcast(v any) error {
	if err := s.pushable(); err != nil {
		return err
	}
	m, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	s.workersMu.Lock()
	targets := make([]protocol.ClientID, 0, len(s.workers))
	for id, w := range s.workers {
		if w.Online() {
			targets = append(targets, id)
		}
	}
	s.workersMu.Unlock()

	for _, id := range targets {
		copied := m
		copied.Client = id
		s.out.Push(copied)
	}
	return nil
}

// PushGroup enqueues one copy of v per client in the group.  Unknown
// groups are ignored.
func (s *Server) PushGroup(v any, g GroupID) error {
	if err := s.pushable(); err != nil {
		return err
	}
	m, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	s.groupsMu.Lock()
	set, ok := s.groups[g]
	targets := make([]protocol.ClientID, 0, len(set))
	if ok {
		for id := range set {
			targets = append(targets, id)
		}
	}
	s.groupsMu.Unlock()

	for _, id := range targets {
		copied := m
		copied.Client = id
		s.out.Push(copied)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Group index
// ---------------------------------------------------------------------------

// Group adds client to group, creating the group on first use.  The
// worker's own group set and the group table stay in sync; grouping an
// unknown client is a no-op.
func (s *Server) Group(client protocol.ClientID, g GroupID) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	w, ok := s.workers[client]
	if !ok {
		return
	}
	set, ok := s.groups[g]
	if !ok {
		set = make(map[protocol.ClientID]struct{})
		s.groups[g] = set
	}
	set[client] = struct{}{}
	w.groups[g] = struct{}{}
}

// Ungroup removes client from group.  Unknown clients or groups are
// ignored.  An emptied group persists until the server shuts down.
func (s *Server) Ungroup(client protocol.ClientID, g GroupID) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	if set, ok := s.groups[g]; ok {
		delete(set, client)
	}
	if w, ok := s.workers[client]; ok {
		delete(w.groups, g)
	}
}

// ClientsOf returns the members of group, ascending.  Unknown groups
// yield an empty slice.
func (s *Server) ClientsOf(g GroupID) []protocol.ClientID {
	s.groupsMu.Lock()
	set := s.groups[g]
	ids := make([]protocol.ClientID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	s.groupsMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasGroup reports whether the group exists (possibly empty).
func (s *Server) HasGroup(g GroupID) bool {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	_, ok := s.groups[g]
	return ok
}

// ---------------------------------------------------------------------------
// Accept loop
// ---------------------------------------------------------------------------

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.online.Load() {
		if s.cfg.MaxClients >= 0 && s.NumClients() >= s.cfg.MaxClients {
			// Full: back off and let waiting clients retry.
			time.Sleep(capacityBackoff)
			continue
		}

		l, err := s.listener.Accept()
		if err != nil {
			if !s.online.Load() {
				return
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		if l == nil {
			// The listener poll already blocked ~25 ms.
			continue
		}

		host := l.PeerHost()
		if s.blocked(host) {
			_ = l.Close()
			s.metrics.refused.Inc()
			s.log.Warn().Str("host", host).Msg("refused blocked host")
			continue
		}

		// The id is reserved only after all admission checks passed and
		// the counter moves exactly once per successfully-welcomed
		// worker.  The welcome write happens before the worker becomes
		// visible to the send and receive loops.
		s.workersMu.Lock()
		id := s.nextID
		s.workersMu.Unlock()

		welcome, err := protocol.EncodeWelcome(id)
		if err == nil {
			err = l.WriteString(welcome)
		}
		if err != nil {
			_ = l.Close()
			s.log.Warn().Err(err).Str("addr", l.PeerAddr()).Msg("welcome write failed")
			continue
		}

		w := newWorker(id, l, s)
		s.workersMu.Lock()
		s.workers[id] = w
		s.nextID++
		s.workersMu.Unlock()

		s.metrics.clients.Inc()
		s.metrics.accepted.Inc()
		s.log.Info().Uint32("client", uint32(id)).Str("addr", l.PeerAddr()).Msg("client accepted")
	}
}

// ---------------------------------------------------------------------------
// Send loop
// ---------------------------------------------------------------------------

func (s *Server) sendLoop() {
	defer s.wg.Done()

	for s.online.Load() {
		m, ok := s.out.TryPop()
		if !ok {
			time.Sleep(sendIdle)
			continue
		}

		s.workersMu.Lock()
		w := s.workers[m.Client]
		s.workersMu.Unlock()

		if w == nil {
			s.metrics.discarded.Inc()
			s.log.Warn().Uint32("target", uint32(m.Client)).Msg("discarding message for unknown target")
			continue
		}
		if !w.Online() {
			s.metrics.discarded.Inc()
			continue
		}
		if err := w.link.WriteString(string(m.Body)); err != nil {
			// The receive sweep reaps the worker.
			_ = w.link.Close()
			s.log.Warn().Err(err).Uint32("client", uint32(m.Client)).Msg("send failed")
			continue
		}
		s.metrics.sent.Inc()
	}
}

// ---------------------------------------------------------------------------
// Receive loop
// ---------------------------------------------------------------------------

func (s *Server) receiveLoop() {
	defer s.wg.Done()

	for s.online.Load() {
		s.workersMu.Lock()
		snapshot := make([]*Worker, 0, len(s.workers))
		for _, w := range s.workers {
			snapshot = append(snapshot, w)
		}
		s.workersMu.Unlock()

		for _, w := range snapshot {
			if !w.link.Online() {
				s.Disconnect(w.id)
				continue
			}
			s.drainWorker(w)
		}
		time.Sleep(recvSweep)
	}
}

// drainWorker reads every ready frame from one worker.  Any read or
// decode failure closes the link and reaps the worker.
func (s *Server) drainWorker(w *Worker) {
	for {
		ready, err := w.link.Ready()
		if err != nil {
			s.reap(w, err)
			return
		}
		if !ready {
			return
		}
		text, err := w.link.ReadString()
		if err != nil {
			s.reap(w, err)
			return
		}
		m, err := protocol.Decode(text)
		if err != nil {
			s.reap(w, err)
			return
		}
		m.Client = w.id // tag the source
		s.in.Push(m)
		s.metrics.received.Inc()
	}
}

func (s *Server) reap(w *Worker, err error) {
	s.log.Info().Err(err).Uint32("client", uint32(w.id)).Msg("link broken, reaping worker")
	_ = w.link.Close()
	s.Disconnect(w.id)
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for s.online.Load() {
		m, ok := s.in.TryPop()
		if !ok {
			time.Sleep(dispatchIdle)
			continue
		}
		if !m.Tagged() {
			// No command field: dropped silently.
			continue
		}
		s.metrics.dispatched.Inc()
		s.registry.Trigger(m.Command, event{body: m.Body, source: m.Client})
	}
}
