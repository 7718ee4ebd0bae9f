package chat

import (
	"context"
	"log"

	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/ws"
)

// Handlers adapts inbound WebSocket messages to Coordinator operations and
// emits whatever the operation produced, including error replies.
type Handlers struct {
	coord   *Coordinator
	emitter *Emitter
}

// NewHandlers creates Handlers.
func NewHandlers(coord *Coordinator, emitter *Emitter) *Handlers {
	return &Handlers{coord: coord, emitter: emitter}
}

// Register installs a handler for every client message type on d.
func (h *Handlers) Register(d *ws.MessageDispatcher) {
	for _, t := range []string{
		protocol.TypeAuthenticate,
		protocol.TypeJoinRoom,
		protocol.TypeLeaveRoom,
		protocol.TypeSendMessage,
		protocol.TypeEditMessage,
		protocol.TypeDeleteMessage,
		protocol.TypeTypingStart,
		protocol.TypeTypingStop,
		protocol.TypeMarkRead,
		protocol.TypeRequestOnlineUsers,
		protocol.TypeModerate,
	} {
		d.Register(t, func(ctx context.Context, conn *ws.Connection, msg any) {
			h.Handle(ctx, conn.ID, msg)
		})
	}
}

// OnConnect is the server's connect callback.
func (h *Handlers) OnConnect(conn *ws.Connection) {
	h.coord.Connect(conn.ID)
}

// OnDisconnect is the server's disconnect callback.
func (h *Handlers) OnDisconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ws.HandlerTimeout)
	defer cancel()
	h.emitter.Emit(ctx, h.coord.Disconnect(ctx, connID)...)
}

// Handle runs the operation for one parsed client message.
func (h *Handlers) Handle(ctx context.Context, connID string, msg any) {
	var (
		effects  []Effect
		err      error
		roomID   string
		clientID string
	)

	switch m := msg.(type) {
	case protocol.AuthenticateMsg:
		_, effects, err = h.coord.Authenticate(ctx, connID, m.Token)

	case protocol.JoinRoomMsg:
		roomID = m.RoomID
		_, effects, err = h.coord.JoinRoom(ctx, connID, m.RoomID)

	case protocol.LeaveRoomMsg:
		roomID = m.RoomID
		effects, err = h.coord.LeaveRoom(ctx, connID, m.RoomID)

	case protocol.SendMessageMsg:
		roomID, clientID = m.RoomID, m.ClientID
		_, effects, err = h.coord.SendMessage(ctx, connID, SendRequest{
			RoomID:  m.RoomID,
			Text:    m.Text,
			ReplyTo: m.ReplyTo,
		})

	case protocol.EditMessageMsg:
		var userID string
		if userID, err = h.userOf(connID); err == nil {
			_, effects, err = h.coord.EditMessage(ctx, userID, m.MessageID, m.Text)
		}

	case protocol.DeleteMessageMsg:
		var userID string
		if userID, err = h.userOf(connID); err == nil {
			effects, err = h.coord.DeleteMessage(ctx, userID, m.MessageID)
		}

	case protocol.TypingMsg:
		roomID = m.RoomID
		effects, err = h.coord.Typing(connID, m.RoomID, m.Type != protocol.TypeTypingStop)

	case protocol.MarkReadMsg:
		var userID string
		if userID, err = h.userOf(connID); err == nil {
			effects, err = h.coord.MarkRead(ctx, userID, m.MessageID)
		}

	case protocol.RequestOnlineUsersMsg:
		roomID = m.RoomID
		effects, err = h.coord.RequestOnlineUsers(connID, m.RoomID)

	case protocol.ModerateMsg:
		roomID = m.RoomID
		effects, err = h.coord.ModerateFrom(ctx, connID, m)

	default:
		log.Printf("[chat] no handler for %T conn=%s", msg, connID)
		return
	}

	if err != nil {
		effects = append(effects, ErrorReply(connID, roomID, clientID, err))
	}
	h.emitter.Emit(ctx, effects...)
}

func (h *Handlers) userOf(connID string) (string, error) {
	userID, ok := h.coord.Registry().UserOf(connID)
	if !ok {
		return "", ErrNotAuthenticated
	}
	return userID, nil
}
