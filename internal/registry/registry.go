// Package registry is the in-memory connection table: admitted and pending
// session records keyed by client network identity, with per-identity
// capacity limits and global user-token uniqueness.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardroom/wsrpc"
	"github.com/cardroom/wsrpc/internal/obs"
	"github.com/cardroom/wsrpc/internal/token"
)

// ErrDuplicateToken rejects an admission whose user token is already held
// by a live record, from any identity.
var ErrDuplicateToken = errors.New(wsrpc.ErrDuplicateToken)

// CapacityError rejects an admission for an identity at its connection cap.
type CapacityError struct {
	Current int
	Max     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s (%d/%d)", wsrpc.ErrTooManyConnections, e.Current, e.Max)
}

// Identity is the registry key for one client: protocol family plus network
// address. The port is excluded since it changes across reconnects, so two
// sockets from the same address collapse to the same identity.
type Identity string

// IdentityOf derives the identity for a peer. remoteAddr may carry a port
// ("198.51.100.7:52114"); family is the protocol family ("IPv4", "IPv6").
func IdentityOf(remoteAddr, family string) Identity {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	return Identity(family + host)
}

// State tags a record's transport progress.
type State int

const (
	// Pending means the handshake was admitted but no socket is attached
	// yet.
	Pending State = iota
	// Connected means the transport upgrade completed and the record
	// carries a live session.
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "pending"
}

// Record is one admitted or pending session. Fields are mutated only by the
// owning Registry under its lock; treat records obtained from registry
// lookups as read-only snapshots.
type Record struct {
	UserToken   string
	ServerToken string
	State       State
	Session     wsrpc.Session // nil until State is Connected
	LastUpdate  time.Time
}

// Registry is the shared connection table. All check-then-insert sequences
// run under one lock so concurrent handshakes from the same address cannot
// both pass the capacity check.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[Identity][]*Record
	byUserToken map[string]*Record
	max         int
	log         zerolog.Logger
}

// New creates an empty registry with the given per-identity connection cap.
func New(maxPerIdentity int, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[Identity][]*Record),
		byUserToken: make(map[string]*Record),
		max:         maxPerIdentity,
		log:         logger.With().Str("component", "registry").Logger(),
	}
}

// MaxPerIdentity returns the configured per-identity connection cap.
func (r *Registry) MaxPerIdentity() int {
	return r.max
}

// ActiveCountFor returns the number of records for an identity, including
// ones without an attached socket yet.
func (r *Registry) ActiveCountFor(id Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[id])
}

// HasToken reports whether any record for the identity carries this user
// token.
func (r *Registry) HasToken(id Identity, userToken string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.sessions[id] {
		if rec.UserToken == userToken {
			return true
		}
	}
	return false
}

// TokenInUse reports whether any live record, from any identity, holds this
// user token.
func (r *Registry) TokenInUse(userToken string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUserToken[userToken]
	return ok
}

// Admit runs the admission sequence atomically: global duplicate-token
// check, per-identity capacity check, then insert of a Pending record with
// a fresh server token. Returns the new record and the post-insert count
// for the identity.
func (r *Registry) Admit(id Identity, userToken string) (*Record, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUserToken[userToken]; ok {
		return nil, len(r.sessions[id]), ErrDuplicateToken
	}

	current := len(r.sessions[id])
	if current >= r.max {
		return nil, current, &CapacityError{Current: current, Max: r.max}
	}

	rec := &Record{
		UserToken:   userToken,
		ServerToken: token.NewServerToken(),
		State:       Pending,
		LastUpdate:  time.Now(),
	}
	r.insertLocked(id, rec)

	count := len(r.sessions[id])
	r.log.Debug().Str("identity", string(id)).Int("peerconnections", count).Msg("session admitted")
	return rec, count, nil
}

// Insert appends a record to the identity's sequence, creating the sequence
// if absent. Callers needing check-then-insert atomicity should use Admit.
func (r *Registry) Insert(id Identity, rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(id, rec)
}

func (r *Registry) insertLocked(id Identity, rec *Record) {
	r.sessions[id] = append(r.sessions[id], rec)
	r.byUserToken[rec.UserToken] = rec
	obs.PendingSessions.Inc()
}

// Attach completes the transport upgrade for a pending record: the session
// is bound and the record moves to Connected. Returns false when no record
// for the identity matches both tokens or the record already has a socket.
func (r *Registry) Attach(id Identity, userToken, serverToken string, sess wsrpc.Session) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.sessions[id] {
		if rec.UserToken != userToken || rec.ServerToken != serverToken {
			continue
		}
		if rec.State == Connected {
			return nil, false
		}
		rec.State = Connected
		rec.Session = sess
		rec.LastUpdate = time.Now()
		obs.PendingSessions.Dec()
		obs.ConnectedSessions.Inc()
		return rec, true
	}
	return nil, false
}

// Remove deletes a record from the identity's sequence. The disconnect
// teardown path calls this when the socket closes or the session is
// abandoned.
func (r *Registry) Remove(id Identity, rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.sessions[id]
	for i, cur := range seq {
		if cur != rec {
			continue
		}
		r.sessions[id] = append(seq[:i], seq[i+1:]...)
		if len(r.sessions[id]) == 0 {
			delete(r.sessions, id)
		}
		delete(r.byUserToken, rec.UserToken)
		if rec.State == Connected {
			obs.ConnectedSessions.Dec()
		} else {
			obs.PendingSessions.Dec()
		}
		r.log.Debug().Str("identity", string(id)).Str("state", rec.State.String()).Msg("session removed")
		return
	}
}

// IsEstablished reports whether some record for the identity matches both
// tokens exactly. Fails closed: absent identity, empty sequence, or any
// single-field mismatch all return false.
func (r *Registry) IsEstablished(id Identity, userToken, serverToken string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.sessions[id] {
		if rec.UserToken == userToken && rec.ServerToken == serverToken {
			return true
		}
	}
	return false
}

// AllSessions flattens every identity's sequence in insertion order.
// activeOnly filters to records with an attached socket.
func (r *Registry) AllSessions(activeOnly bool) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, seq := range r.sessions {
		for _, rec := range seq {
			if activeOnly && rec.State != Connected {
				continue
			}
			out = append(out, rec)
		}
	}
	return out
}
