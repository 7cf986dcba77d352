package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CodeRoomLab/coderoom/internal/auth"
	"github.com/CodeRoomLab/coderoom/internal/docsync"
	"github.com/CodeRoomLab/coderoom/internal/presence"
	"github.com/CodeRoomLab/coderoom/internal/rooms"
)

const (
	sessionWriteWait      = 10 * time.Second
	sessionPongWait       = 60 * time.Second
	sessionPingPeriod     = (sessionPongWait * 9) / 10
	sessionMaxMessageSize = 1 << 16
	sessionOutboundBuffer = 32
	sessionDetachTimeout  = 10 * time.Second
)

// sessionGateway upgrades room connections to websocket sessions and bridges
// them to the sync engine and the presence broadcaster.
type sessionGateway struct {
	handler  *httpHandler
	upgrader websocket.Upgrader
}

func newSessionGateway(handler *httpHandler) *sessionGateway {
	return &sessionGateway{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// handleConnection admits the caller to the room and runs the session until
// the peer disconnects. Admission happens before the upgrade so password,
// capacity, and not-found failures surface as plain HTTP errors. A writable
// principal joins as a member; an anonymous caller observes read-only.
func (g *sessionGateway) handleConnection(c *gin.Context) {
	principal := g.handler.principalFrom(c)
	password := roomPassword(c)

	var room rooms.Room
	var err error
	if principal.CanWrite() {
		_, room, err = g.handler.rooms.Join(c.Request.Context(), c.Param("code"), principal, password)
	} else {
		room, _, err = g.handler.rooms.Get(c.Request.Context(), c.Param("code"), password)
	}
	if err != nil {
		g.handler.writeDomainError(c, err)
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.handler.logger.Warn("websocket upgrade failed", zap.String("room_code", room.RoomCode), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	session := &roomSession{
		gateway:      g,
		conn:         conn,
		room:         room,
		principal:    principal,
		connectionID: uuid.NewString(),
		outbound:     make(chan serverEnvelope, sessionOutboundBuffer),
		cancel:       cancel,
	}
	session.run(ctx)
}

type roomSession struct {
	gateway      *sessionGateway
	conn         *websocket.Conn
	room         rooms.Room
	principal    auth.Principal
	connectionID string
	handle       *docsync.Handle
	outbound     chan serverEnvelope
	cancel       context.CancelFunc
	teardown     sync.Once
}

func (s *roomSession) run(ctx context.Context) {
	handler := s.gateway.handler

	handle, err := handler.engine.Attach(ctx, s.room.RoomID)
	if err != nil {
		handler.logger.Error("session attach failed",
			zap.String("room_id", s.room.RoomID), zap.Error(err))
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"),
			time.Now().Add(sessionWriteWait))
		s.conn.Close()
		return
	}
	s.handle = handle

	events, unsubscribe := handler.presence.Subscribe(ctx, s.room.RoomID, s.connectionID)
	defer s.close(unsubscribe)

	if !s.principal.IsAnonymous() {
		if err := handler.rooms.SetOnline(ctx, s.room.RoomID, s.principal.ID, true); err != nil {
			handler.logger.Warn("online flag update failed", zap.Error(err))
		}
		handler.presence.Publish(s.room.RoomID, s.connectionID, presence.Event{
			RoomID:        s.room.RoomID,
			Kind:          presence.EventPeerJoined,
			PrincipalID:   s.principal.ID,
			DisplayName:   s.principal.DisplayName,
			ExcludeOrigin: true,
		})
	}

	if err := s.sendInit(ctx); err != nil {
		handler.logger.Warn("session init failed", zap.Error(err))
		return
	}

	go s.writeLoop(ctx)
	go s.eventLoop(ctx, events)
	s.readLoop()
}

func (s *roomSession) sendInit(ctx context.Context) error {
	handler := s.gateway.handler

	stateB64, text, err := handler.engine.Snapshot(s.handle)
	if err != nil {
		return err
	}
	members, err := handler.rooms.ListMembers(ctx, s.room.RoomID)
	if err != nil {
		return err
	}
	roster := make([]memberPayload, 0, len(members))
	for _, member := range members {
		roster = append(roster, membershipPayload(member))
	}

	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteJSON(serverEnvelope{
		Kind: messageKindInit,
		Payload: initPayload{
			RoomCode:    s.room.RoomCode,
			PrincipalID: s.principal.ID,
			DisplayName: s.principal.DisplayName,
			ReadOnly:    !s.principal.CanWrite(),
			Text:        text,
			StateB64:    stateB64,
			Members:     roster,
		},
	})
}

// readLoop owns the inbound side. A read error of any kind ends the session.
func (s *roomSession) readLoop() {
	s.conn.SetReadLimit(sessionMaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	})

	for {
		var envelope clientEnvelope
		if err := s.conn.ReadJSON(&envelope); err != nil {
			return
		}
		s.dispatch(envelope)
	}
}

func (s *roomSession) dispatch(envelope clientEnvelope) {
	handler := s.gateway.handler

	switch envelope.Kind {
	case messageKindDocUpdate:
		if !s.principal.CanWrite() {
			s.send(serverEnvelope{Kind: messageKindError, Payload: errorPayload{Code: codeUnauthorized}})
			return
		}
		var fragment docsync.Fragment
		if err := json.Unmarshal(envelope.Payload, &fragment); err != nil {
			s.send(serverEnvelope{Kind: messageKindError, Payload: errorPayload{Code: codeMalformedFragment}})
			return
		}
		if err := handler.engine.Submit(s.handle, fragment); err != nil {
			s.send(serverEnvelope{Kind: messageKindError, Payload: errorPayload{Code: codeMalformedFragment}})
			return
		}
		handler.presence.Publish(s.room.RoomID, s.connectionID, presence.Event{
			RoomID:        s.room.RoomID,
			Kind:          presence.EventDocUpdate,
			PrincipalID:   s.principal.ID,
			DisplayName:   s.principal.DisplayName,
			Payload:       map[string]any{"fragment": json.RawMessage(envelope.Payload)},
			ExcludeOrigin: true,
		})

	case messageKindCursor, messageKindTyping:
		if s.principal.IsAnonymous() {
			return
		}
		var data map[string]any
		if len(envelope.Payload) > 0 {
			if err := json.Unmarshal(envelope.Payload, &data); err != nil {
				s.send(serverEnvelope{Kind: messageKindError, Payload: errorPayload{Code: codeInvalidRequest}})
				return
			}
		}
		handler.presence.Publish(s.room.RoomID, s.connectionID, presence.Event{
			RoomID:        s.room.RoomID,
			Kind:          envelope.Kind,
			PrincipalID:   s.principal.ID,
			DisplayName:   s.principal.DisplayName,
			Payload:       data,
			ExcludeOrigin: true,
		})

	case messageKindSave:
		if !s.principal.CanWrite() {
			s.send(serverEnvelope{Kind: messageKindError, Payload: errorPayload{Code: codeUnauthorized}})
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), sessionDetachTimeout)
		err := handler.engine.Flush(flushCtx, s.handle)
		cancel()
		if err != nil {
			s.send(serverEnvelope{Kind: messageKindError, Payload: errorPayload{Code: codeInternal}})
			return
		}
		s.send(serverEnvelope{Kind: messageKindSaved})

	default:
		s.send(serverEnvelope{Kind: messageKindError, Payload: errorPayload{Code: codeInvalidRequest}})
	}
}

// writeLoop owns the outbound side of the connection. gorilla permits one
// concurrent writer, so everything funnels through the outbound channel.
func (s *roomSession) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(sessionPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteJSON(envelope); err != nil {
				s.conn.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *roomSession) eventLoop(ctx context.Context, events <-chan presence.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.send(eventEnvelope(event))
		}
	}
}

func (s *roomSession) send(envelope serverEnvelope) {
	select {
	case s.outbound <- envelope:
	default:
		// Slow consumer; skip rather than stall the session.
	}
}

func eventEnvelope(event presence.Event) serverEnvelope {
	switch event.Kind {
	case presence.EventDocUpdate:
		fragment, _ := event.Payload["fragment"].(json.RawMessage)
		return serverEnvelope{Kind: messageKindDocUpdate, Payload: docUpdatePayload{
			PrincipalID: event.PrincipalID,
			Fragment:    fragment,
		}}
	default:
		return serverEnvelope{Kind: event.Kind, Payload: peerPayload{
			PrincipalID: event.PrincipalID,
			DisplayName: event.DisplayName,
			Data:        event.Payload,
		}}
	}
}

// close tears the session down exactly once: both the read loop's return and
// a cancelled context funnel through here.
func (s *roomSession) close(unsubscribe func()) {
	s.teardown.Do(func() {
		handler := s.gateway.handler
		s.cancel()
		unsubscribe()

		detachCtx, cancel := context.WithTimeout(context.Background(), sessionDetachTimeout)
		defer cancel()
		if err := handler.engine.Detach(detachCtx, s.handle); err != nil {
			handler.logger.Error("session detach failed",
				zap.String("room_id", s.room.RoomID), zap.Error(err))
		}

		if !s.principal.IsAnonymous() {
			if err := handler.rooms.SetOnline(detachCtx, s.room.RoomID, s.principal.ID, false); err != nil {
				handler.logger.Warn("online flag update failed", zap.Error(err))
			}
			handler.presence.Publish(s.room.RoomID, s.connectionID, presence.Event{
				RoomID:        s.room.RoomID,
				Kind:          presence.EventPeerLeft,
				PrincipalID:   s.principal.ID,
				DisplayName:   s.principal.DisplayName,
				ExcludeOrigin: true,
			})
		}
		s.conn.Close()
	})
}
