// Package ws is the realtime transport: one websocket connection per client,
// one resolved identity per connection, JSON event frames in both directions.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/davidbz/markl/internal/auth"
	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/observability"
)

// Inbound operation names.
const (
	opSendMessage  = "send_message"
	opRegenerate   = "regenerate"
	opUsageInfo    = "usage_info"
	opListMessages = "list_messages"
	opListChats    = "list_chats"
)

//nolint:gochecknoglobals // Upgrader is stateless configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true // CORS policy is enforced by the HTTP middleware chain
	},
}

// Gateway upgrades HTTP requests to websocket sessions and dispatches their
// operations to the orchestrator.
type Gateway struct {
	orchestrator *domain.Orchestrator
	resolver     *auth.Resolver
}

// NewGateway creates the websocket gateway (DI constructor).
func NewGateway(orchestrator *domain.Orchestrator, resolver *auth.Resolver) *Gateway {
	return &Gateway{
		orchestrator: orchestrator,
		resolver:     resolver,
	}
}

// session is the per-connection state, resolved once at connect time.
type session struct {
	// identity is the write-path identity: invalid credentials degrade to
	// anonymous here.
	identity domain.Identity

	// readIdentity is the read-path identity; readErr is set when the
	// credential was absent or invalid, and read operations then fail closed.
	readIdentity domain.Identity
	readErr      error

	emitter *connEmitter
	wg      sync.WaitGroup
}

// HandleConnection upgrades the request and runs the session's read loop
// until the client goes away.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", observability.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	info := auth.ConnectionInfo{
		BearerToken:       bearerFrom(r),
		ClientFingerprint: r.URL.Query().Get("fingerprint"),
		RemoteAddr:        r.RemoteAddr,
		UserAgent:         r.UserAgent(),
	}

	// The session context outlives the handler's request context only in
	// theory: the handler blocks in the read loop until the connection dies,
	// and cancel fans out to every in-flight turn at that moment.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	sessCtx = observability.WithSessionID(sessCtx, observability.GenerateRequestID())

	sess := &session{
		identity: g.resolver.ResolveLenient(info),
		emitter:  newConnEmitter(conn),
	}
	sess.readIdentity, sess.readErr = g.resolver.ResolveStrict(info)

	logger.Info("websocket session started",
		observability.String("kind", string(sess.identity.Kind)),
		observability.String("remote_addr", r.RemoteAddr))

	g.readLoop(sessCtx, conn, sess)

	// Connection gone: stop paying for any in-flight stream, then wait for
	// the turns to finish their terminal bookkeeping.
	cancel()
	sess.wg.Wait()

	logger.Info("websocket session closed")
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) {
	logger := observability.FromContext(ctx)

	for {
		var in struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", observability.Error(err))
			}
			return
		}

		g.dispatch(ctx, sess, in.Event, in.Data)
	}
}

func (g *Gateway) dispatch(ctx context.Context, sess *session, event string, data json.RawMessage) {
	switch event {
	case opSendMessage:
		var req domain.SendMessageRequest
		if !decode(sess, event, data, &req) {
			return
		}
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			g.orchestrator.SendMessage(requestContext(ctx), sess.identity, req, sess.emitter)
		}()

	case opRegenerate:
		var req domain.RegenerateRequest
		if !decode(sess, event, data, &req) {
			return
		}
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			g.orchestrator.Regenerate(requestContext(ctx), sess.identity, req, sess.emitter)
		}()

	case opUsageInfo:
		g.handleUsageInfo(ctx, sess)

	case opListChats:
		var req listRequest
		if !decode(sess, event, data, &req) {
			return
		}
		g.handleListChats(ctx, sess, req)

	case opListMessages:
		var req listRequest
		if !decode(sess, event, data, &req) {
			return
		}
		g.handleListMessages(ctx, sess, req)

	default:
		sess.emitter.Emit(domain.EventAssistantError, domain.ErrorEvent{
			Error: "unknown event: " + event,
			Code:  domain.CodeInvalidRequest,
		})
	}
}

// listRequest covers both read operations.
type listRequest struct {
	ChatID string `json:"chat_id,omitempty"`
	Page   int    `json:"page,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (r listRequest) page() domain.Page {
	return domain.Page{Number: r.Page, Limit: r.Limit}
}

func (g *Gateway) handleUsageInfo(ctx context.Context, sess *session) {
	info, err := g.orchestrator.UsageInfo(requestContext(ctx), sess.identity)
	if err != nil {
		sess.emitter.Emit(domain.EventAssistantError, domain.ErrorEvent{
			Error: "failed to read usage",
			Code:  domain.CodeInternalError,
		})
		return
	}
	sess.emitter.Emit(domain.EventUsageInfo, info)
}

func (g *Gateway) handleListChats(ctx context.Context, sess *session, req listRequest) {
	if sess.readErr != nil {
		sess.emitter.Emit(opListChats, failureEnvelope(http.StatusUnauthorized, "authentication required"))
		return
	}

	envelope, err := g.orchestrator.ListChats(requestContext(ctx), sess.readIdentity, req.page())
	if err != nil {
		sess.emitter.Emit(opListChats, readFailure(err))
		return
	}
	sess.emitter.Emit(opListChats, envelope)
}

func (g *Gateway) handleListMessages(ctx context.Context, sess *session, req listRequest) {
	if sess.readErr != nil {
		sess.emitter.Emit(opListMessages, failureEnvelope(http.StatusUnauthorized, "authentication required"))
		return
	}
	if req.ChatID == "" {
		sess.emitter.Emit(opListMessages, failureEnvelope(http.StatusBadRequest, "chat_id is required"))
		return
	}

	envelope, err := g.orchestrator.ListMessages(requestContext(ctx), sess.readIdentity, req.ChatID, req.page())
	if err != nil {
		sess.emitter.Emit(opListMessages, readFailure(err))
		return
	}
	sess.emitter.Emit(opListMessages, envelope)
}

func decode(sess *session, event string, data json.RawMessage, out any) bool {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, out); err != nil {
		sess.emitter.Emit(domain.EventAssistantError, domain.ErrorEvent{
			Error: "malformed payload for " + event,
			Code:  domain.CodeInvalidRequest,
		})
		return false
	}
	return true
}

func bearerFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}

// requestContext stamps a fresh request id on the turn for log correlation.
func requestContext(ctx context.Context) context.Context {
	return observability.WithRequestID(ctx, observability.GenerateRequestID())
}
