package signal

import (
	"context"
	stderrors "errors"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/infrastructure/middleware"
	"amalive/internal/room"
	"amalive/pkg/errors"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const priorityBuffer = 8

var errVisitClosed = stderrors.New("visit closed")

// visit is one WebSocket connection of one user to one session. The writer
// goroutine is the only one writing to conn.
type visit struct {
	sessionID domain.SessionID
	viewer    domain.User
	conn      *websocket.Conn
	ctrl      *room.Controller
	ingest    Ingest

	send     chan interface{}
	priority chan room.Event
	done     chan struct{}
	wrote    chan struct{}

	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

func newVisit(conn *websocket.Conn, sessionID domain.SessionID, viewer domain.User, sendBuffer int, writeTimeout time.Duration, logger *zap.SugaredLogger) *visit {
	return &visit{
		sessionID:    sessionID,
		viewer:       viewer,
		conn:         conn,
		send:         make(chan interface{}, sendBuffer),
		priority:     make(chan room.Event, priorityBuffer),
		done:         make(chan struct{}),
		wrote:        make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// sink receives controller events. It never blocks: state updates are
// dropped when the visitor falls behind, while alerts and status
// transitions go through their own queue.
func (v *visit) sink(e room.Event) {
	if prioritized(e.Type) {
		select {
		case v.priority <- e:
		default:
			v.logger.Warnw("event dropped, visitor not reading", "type", e.Type, "status", e.Status, "alert", e.Alert)
		}
		return
	}

	select {
	case v.send <- e:
	default:
		v.logger.Debugw("event dropped, send buffer full", "type", e.Type)
	}
}

func prioritized(t room.EventType) bool {
	switch t {
	case room.EventAlert, room.EventStatus, room.EventCountdownExpired:
		return true
	}
	return false
}

// SendOffer implements webrtc.Signaler.
func (v *visit) SendOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	return v.enqueue(ctx, ServerMessage{Type: MsgOffer, Payload: offer})
}

// SendCandidate implements webrtc.Signaler.
func (v *visit) SendCandidate(candidate webrtc.ICECandidateInit) error {
	ctx, cancel := context.WithTimeout(context.Background(), v.writeTimeout)
	defer cancel()
	return v.enqueue(ctx, ServerMessage{Type: MsgICECandidate, Payload: candidate})
}

func (v *visit) enqueue(ctx context.Context, msg interface{}) error {
	select {
	case v.send <- msg:
		return nil
	case <-v.done:
		return errVisitClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *visit) sendError(ctx context.Context, err error) {
	if qerr := v.enqueue(ctx, errorMessage(err)); qerr != nil {
		v.logger.Debugw("could not queue error message", "error", qerr)
	}
}

func errorMessage(err error) ServerMessage {
	if appErr := middleware.TranslateError(err); appErr != nil {
		return ServerMessage{Type: MsgError, Code: string(appErr.Code), Message: appErr.Message}
	}
	msg := "internal error"
	if stderrors.Is(err, domain.ErrStatusUpdateFailed) {
		msg = domain.ErrStatusUpdateFailed.Error()
	}
	return ServerMessage{Type: MsgError, Code: string(errors.CodeInternal), Message: msg}
}

func (v *visit) write(msg interface{}) error {
	if err := v.conn.SetWriteDeadline(time.Now().Add(v.writeTimeout)); err != nil {
		return err
	}
	return v.conn.WriteJSON(msg)
}

// writePump delivers queued messages and keeps the connection alive with
// pings until the visit ends or a write fails.
func (v *visit) writePump(clk clock.Clock, pingInterval time.Duration) {
	defer close(v.wrote)

	ticker := clk.Ticker(pingInterval)
	defer ticker.Stop()

	for {
		// Alerts and status transitions overtake queued state.
		select {
		case a := <-v.priority:
			if !v.deliver(a) {
				return
			}
			continue
		default:
		}

		select {
		case a := <-v.priority:
			if !v.deliver(a) {
				return
			}
		case msg := <-v.send:
			if !v.deliver(msg) {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(v.writeTimeout)
			if err := v.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				v.logger.Infow("error sending ping", "error", err)
				v.conn.Close()
				return
			}
		case <-v.done:
			deadline := time.Now().Add(v.writeTimeout)
			_ = v.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (v *visit) deliver(msg interface{}) bool {
	if err := v.write(msg); err != nil {
		v.logger.Infow("error writing to visitor", "error", err)
		v.conn.Close()
		return false
	}
	return true
}
