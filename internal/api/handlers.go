package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/chat"
	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/room"
)

// ---------------------------------------------------------------------------
// Rooms and messages
// ---------------------------------------------------------------------------

func (s *Server) listChannels(c echo.Context) error {
	rooms, err := s.coord.ListChannels(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]channelView, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, newChannelView(r))
	}
	return c.JSON(http.StatusOK, out)
}

// channelView hides moderation state from ordinary listings.
type channelView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MinLevel     int       `json:"min_level"`
	Capacity     int       `json:"capacity"`
	MessageCount int64     `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

func newChannelView(r *room.Room) channelView {
	return channelView{
		ID:           r.ID,
		Name:         r.Name,
		MinLevel:     r.MinLevel,
		Capacity:     r.Capacity,
		MessageCount: r.MessageCount,
		LastActivity: r.LastActivity,
	}
}

type historyRequest struct {
	RoomID string `param:"id" validate:"required"`
	Before string `query:"before" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

func (s *Server) history(c echo.Context) error {
	var req historyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	var before time.Time
	if req.Before != "" {
		before, _ = time.Parse(time.RFC3339, req.Before)
	}
	msgs, err := s.coord.History(c.Request().Context(), currentUser(c).ID, req.RoomID, before, req.Limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*room.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

type postMessageRequest struct {
	RoomID  string `param:"id" validate:"required"`
	Text    string `json:"text" validate:"required"`
	ReplyTo string `json:"reply_to" validate:"omitempty,max=64"`
}

func (s *Server) postMessage(c echo.Context) error {
	var req postMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	msg, effects, err := s.coord.SendAs(ctx, currentUser(c).ID, chat.SendRequest{
		RoomID:  req.RoomID,
		Text:    req.Text,
		ReplyTo: req.ReplyTo,
	})
	s.emitter.Emit(ctx, effects...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, msg)
}

type editMessageRequest struct {
	MessageID string `param:"id" validate:"required"`
	Text      string `json:"text" validate:"required"`
}

func (s *Server) editMessage(c echo.Context) error {
	var req editMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	msg, effects, err := s.coord.EditMessage(ctx, currentUser(c).ID, req.MessageID, req.Text)
	s.emitter.Emit(ctx, effects...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg)
}

func (s *Server) deleteMessage(c echo.Context) error {
	ctx := c.Request().Context()
	effects, err := s.coord.DeleteMessage(ctx, currentUser(c).ID, c.Param("id"))
	s.emitter.Emit(ctx, effects...)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) markRead(c echo.Context) error {
	ctx := c.Request().Context()
	effects, err := s.coord.MarkRead(ctx, currentUser(c).ID, c.Param("id"))
	s.emitter.Emit(ctx, effects...)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type reportRequest struct {
	MessageID string `param:"id" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
	Details   string `json:"details" validate:"max=1000"`
}

func (s *Server) reportMessage(c echo.Context) error {
	var req reportRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.coord.ReportMessage(c.Request().Context(), currentUser(c).ID, req.MessageID, req.Reason, req.Details)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"report_id": res.Report.ID,
		"status":    "received",
	})
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

type createConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,dive,required"`
	Name           string   `json:"name" validate:"max=100"`
}

func (s *Server) createConversation(c echo.Context) error {
	var req createConversationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, effects, err := s.coord.CreateConversation(ctx, currentUser(c).ID, req.ParticipantIDs, req.Name)
	s.emitter.Emit(ctx, effects...)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if len(effects) == 0 {
		status = http.StatusOK
	}
	return c.JSON(status, r)
}

type listConversationsRequest struct {
	IncludeArchived bool `query:"include_archived"`
}

func (s *Server) listConversations(c echo.Context) error {
	var req listConversationsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	rooms, err := s.coord.ListConversations(c.Request().Context(), currentUser(c).ID, req.IncludeArchived)
	if err != nil {
		return err
	}
	if rooms == nil {
		rooms = []*room.Room{}
	}
	return c.JSON(http.StatusOK, rooms)
}

type archiveRequest struct {
	ConversationID string `param:"id" validate:"required"`
	Archived       *bool  `json:"archived"`
}

func (s *Server) archiveConversation(c echo.Context) error {
	var req archiveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	archived := req.Archived == nil || *req.Archived
	if err := s.coord.ArchiveConversation(c.Request().Context(), currentUser(c).ID, req.ConversationID, archived); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"id": req.ConversationID, "archived": archived})
}

func (s *Server) leaveConversation(c echo.Context) error {
	ctx := c.Request().Context()
	effects, err := s.coord.LeaveConversation(ctx, currentUser(c).ID, c.Param("id"))
	s.emitter.Emit(ctx, effects...)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Moderation and audit
// ---------------------------------------------------------------------------

func (s *Server) moderate(c echo.Context) error {
	var req enforcement.Request
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.ActorID = currentUser(c).ID
	req.RoomID = c.Param("id")
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, effects, err := s.coord.Moderate(ctx, req)
	s.emitter.Emit(ctx, effects...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type auditEventsRequest struct {
	Type     string `query:"type"`
	ActorID  string `query:"actor_id"`
	TargetID string `query:"target_id"`
	Severity string `query:"severity" validate:"omitempty,oneof=low medium high critical"`
	Since    string `query:"since" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Until    string `query:"until" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Limit    int    `query:"limit" validate:"omitempty,min=1,max=1000"`
}

// DefaultAuditLimit caps an unbounded audit query.
const DefaultAuditLimit = 100

func (s *Server) auditEvents(c echo.Context) error {
	var req auditEventsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	f := audit.Filter{
		Type:     audit.EventType(req.Type),
		ActorID:  req.ActorID,
		TargetID: req.TargetID,
		Severity: audit.Severity(req.Severity),
		Limit:    req.Limit,
	}
	if f.Limit == 0 {
		f.Limit = DefaultAuditLimit
	}
	f.Since, _ = parseOptionalTime(req.Since)
	f.Until, _ = parseOptionalTime(req.Until)

	events, err := s.audit.Query(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if events == nil {
		events = []audit.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) auditStats(c echo.Context) error {
	tf, err := audit.ParseTimeframe(c.QueryParam("timeframe"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st, err := s.audit.Stats(c.Request().Context(), tf)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
