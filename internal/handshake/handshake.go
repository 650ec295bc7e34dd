// Package handshake implements the WSS_Handshake admission protocol and the
// validator authorizing subsequent requests against admitted sessions.
package handshake

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/cardroom/wsrpc"
	"github.com/cardroom/wsrpc/internal/obs"
	"github.com/cardroom/wsrpc/internal/registry"
)

// Request carries what the transport knows about one inbound handshake.
type Request struct {
	RemoteAddr   string
	RemoteFamily string
	OverHTTP     bool
	UserToken    string
}

// Result is the accept payload returned to the client.
type Result struct {
	Message         string `json:"message"`
	NumConnections  int    `json:"numconnections"`
	MaxConnections  int    `json:"maxconnections"`
	PeerConnections int    `json:"peerconnections"`
	ServerToken     string `json:"server_token"`
}

// Handshaker runs the admission state machine. Each call is terminal:
// either a record is inserted and the accept payload returned, or a
// protocol error is returned with no registry mutation.
type Handshaker struct {
	reg      *registry.Registry
	httpOnly bool
	log      zerolog.Logger
}

// New creates a Handshaker backed by the given registry. httpOnly requires
// handshakes to arrive over the HTTP endpoint rather than in-band on a
// WebSocket.
func New(reg *registry.Registry, httpOnly bool, logger zerolog.Logger) *Handshaker {
	return &Handshaker{
		reg:      reg,
		httpOnly: httpOnly,
		log:      logger.With().Str("component", "handshake").Logger(),
	}
}

// Handle admits or rejects one handshake: transport check, identity
// resolution, global duplicate-token check, per-identity capacity check,
// then admission with a fresh server token. The duplicate and capacity
// checks are atomic with the insert (registry.Admit), so concurrent
// handshakes from one address cannot both slip under the cap.
func (h *Handshaker) Handle(req Request) (*Result, *wsrpc.Error) {
	if h.httpOnly && !req.OverHTTP {
		obs.HandshakesTotal.WithLabelValues("wrong_transport").Inc()
		return nil, wsrpc.WrongTransportError()
	}

	if req.UserToken == "" {
		obs.HandshakesTotal.WithLabelValues("invalid_token").Inc()
		return nil, wsrpc.InvalidTokenError()
	}

	id := registry.IdentityOf(req.RemoteAddr, req.RemoteFamily)

	rec, count, err := h.reg.Admit(id, req.UserToken)
	if err != nil {
		var capErr *registry.CapacityError
		switch {
		case errors.Is(err, registry.ErrDuplicateToken):
			obs.HandshakesTotal.WithLabelValues("duplicate_token").Inc()
			h.log.Warn().Str("identity", string(id)).Msg("handshake rejected: duplicate user token")
			return nil, wsrpc.DuplicateTokenError()
		case errors.As(err, &capErr):
			obs.HandshakesTotal.WithLabelValues("too_many_connections").Inc()
			h.log.Warn().Str("identity", string(id)).Int("current", capErr.Current).Int("max", capErr.Max).Msg("handshake rejected: connection cap")
			return nil, wsrpc.TooManyConnectionsError(capErr.Current, capErr.Max)
		default:
			obs.HandshakesTotal.WithLabelValues("error").Inc()
			return nil, &wsrpc.Error{Code: wsrpc.CodeInternalError, Message: wsrpc.ErrInternalError}
		}
	}

	obs.HandshakesTotal.WithLabelValues("accept").Inc()
	h.log.Info().Str("identity", string(id)).Int("peerconnections", count).Msg("handshake accepted")

	return &Result{
		Message:         "accept",
		NumConnections:  count,
		MaxConnections:  h.reg.MaxPerIdentity(),
		PeerConnections: count,
		ServerToken:     rec.ServerToken,
	}, nil
}

// Validator checks whether a later request belongs to a previously admitted
// session.
type Validator struct {
	reg *registry.Registry
}

// NewValidator creates a Validator over the shared registry.
func NewValidator(reg *registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// IsEstablished reports whether some record for the identity matches both
// claimed tokens exactly. It fails closed and never errors: a partial match
// is indistinguishable from no match, so the endpoint leaks nothing to
// token enumeration.
func (v *Validator) IsEstablished(id registry.Identity, userToken, serverToken string) bool {
	if userToken == "" || serverToken == "" {
		return false
	}
	return v.reg.IsEstablished(id, userToken, serverToken)
}
