package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-calendar/coordinator"
	"prism-calendar/domain"
	"prism-calendar/reconcile"
)

const defaultKeepAlive = 15 * time.Second

// Server exposes the calendar intents of authenticated owners over HTTP.
type Server struct {
	sessions Sessions
	store    coordinator.Store
	auth     Authenticator
	deduper  Deduper
	logger   *log.Logger

	now       func() time.Time
	keepAlive time.Duration
}

// NewServer creates a Server. deduper may be nil to disable idempotency keys.
func NewServer(sessions Sessions, store coordinator.Store, auth Authenticator, deduper Deduper, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{
		sessions:  sessions,
		store:     store,
		auth:      auth,
		deduper:   deduper,
		logger:    logger,
		now:       time.Now,
		keepAlive: defaultKeepAlive,
	}
}

// Register wires up all routes and the sonic serializer on e.
func (s *Server) Register(e *echo.Echo) {
	e.JSONSerializer = SonicSerializer{}

	e.GET("/healthz", s.healthz)
	e.GET("/stream", s.stream)

	g := e.Group("/api")
	g.GET("/tasks", s.handle("/api/tasks", "month", s.getMonth))
	g.POST("/tasks", s.handle("/api/tasks", "add", s.addTask))
	g.POST("/tasks/move", s.handle("/api/tasks/move", "move", s.moveTask))
	g.POST("/tasks/save-all", s.handle("/api/tasks/save-all", "save_all", s.saveAll))
	g.PATCH("/tasks/:id", s.handle("/api/tasks/:id", "edit_text", s.editText))
	g.PUT("/tasks/:id", s.handle("/api/tasks/:id", "update_task", s.updateTask))
	g.DELETE("/tasks/:id", s.handle("/api/tasks/:id", "delete", s.deleteTask))
	g.POST("/tasks/:id/toggle", s.handle("/api/tasks/:id/toggle", "toggle", s.toggleTask))
	g.POST("/tasks/:id/subtasks", s.handle("/api/tasks/:id/subtasks", "add_subtask", s.addSubtask))
	g.POST("/tasks/:id/subtasks/:sid/toggle", s.handle("/api/tasks/:id/subtasks/:sid/toggle", "toggle_subtask", s.toggleSubtask))
	g.DELETE("/tasks/:id/subtasks/:sid", s.handle("/api/tasks/:id/subtasks/:sid", "remove_subtask", s.removeSubtask))
	g.DELETE("/tasks/:id/notes", s.handle("/api/tasks/:id/notes", "clear_notes", s.clearNotes))
	g.GET("/selection", s.handle("/api/selection", "selected", s.getSelection))
	g.PUT("/selection", s.handle("/api/selection", "open_detail", s.openDetail))
	g.DELETE("/selection", s.handle("/api/selection", "close_detail", s.closeDetail))
}

// intentFunc runs one intent and writes its success response. Returned errors
// are mapped onto an error response by handle.
type intentFunc func(c echo.Context, rc *requestContext) error

type requestContext struct {
	session *reconcile.Session
	co      *coordinator.Coordinator
	metrics *requestMetrics
}

func (s *Server) handle(route, intent string, fn intentFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newRequestMetrics(c.Request().Context(), s.logger, c.Request().Method, route)
		metrics.SetIntent(intent)
		c.SetRequest(c.Request().WithContext(ctx))

		err := s.run(c, metrics, fn)
		if err != nil && !c.Response().Committed {
			if werr := writeError(c, err); werr != nil {
				metrics.SetErrorStage("encode_response")
			}
		}
		metrics.Log(c.Response().Status, err)
		return nil
	}
}

func (s *Server) run(c echo.Context, metrics *requestMetrics, fn intentFunc) error {
	start := time.Now()
	ownerID, err := ownerFromRequest(c, s.auth)
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		metrics.SetErrorStage("auth")
		_ = c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return err
	}
	metrics.SetOwner(ownerID)

	start = time.Now()
	session, release, err := s.sessions.Acquire(c.Request().Context(), ownerID)
	metrics.ObserveSession(time.Since(start))
	if err != nil {
		metrics.SetErrorStage("session")
		return err
	}
	defer release()

	rc := &requestContext{
		session: session,
		co:      coordinator.New(s.store, session, s.logger),
		metrics: metrics,
	}
	start = time.Now()
	err = fn(c, rc)
	metrics.ObserveIntent(time.Since(start))
	if err != nil {
		metrics.SetErrorStage("intent")
	}
	return err
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Active()})
}

func (s *Server) getMonth(c echo.Context, rc *requestContext) error {
	year, month, err := parseMonth(c.QueryParam("month"), s.now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, buildMonthView(rc.session, year, month))
}

type addTaskRequest struct {
	Text string     `json:"text"`
	Day  domain.Day `json:"day"`
}

func (s *Server) addTask(c echo.Context, rc *requestContext) error {
	var req addTaskRequest
	if err := c.Echo().JSONSerializer.Deserialize(c, &req); err != nil {
		return err
	}
	task, err := rc.co.Add(c.Request().Context(), req.Text, req.Day)
	if err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.JSON(http.StatusCreated, task)
}

type editTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) editText(c echo.Context, rc *requestContext) error {
	var req editTextRequest
	if err := c.Echo().JSONSerializer.Deserialize(c, &req); err != nil {
		return err
	}
	if err := rc.co.EditText(c.Request().Context(), c.Param("id"), req.Text); err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.NoContent(http.StatusNoContent)
}

type completedResponse struct {
	Completed bool `json:"completed"`
}

func (s *Server) toggleTask(c echo.Context, rc *requestContext) error {
	completed, err := rc.co.Toggle(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.JSON(http.StatusOK, completedResponse{Completed: completed})
}

func (s *Server) deleteTask(c echo.Context, rc *requestContext) error {
	if err := rc.co.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.NoContent(http.StatusNoContent)
}

type updateTaskRequest struct {
	Text      string           `json:"text"`
	Completed bool             `json:"completed"`
	Subtasks  []domain.Subtask `json:"subtasks"`
	Notes     string           `json:"notes"`
}

func (s *Server) updateTask(c echo.Context, rc *requestContext) error {
	var req updateTaskRequest
	if err := c.Echo().JSONSerializer.Deserialize(c, &req); err != nil {
		return err
	}
	if req.Subtasks == nil {
		req.Subtasks = []domain.Subtask{}
	}
	if err := checkSubtaskIDs(req.Subtasks); err != nil {
		return err
	}
	task := domain.Task{
		ID:        c.Param("id"),
		Text:      req.Text,
		Completed: req.Completed,
		Subtasks:  req.Subtasks,
		Notes:     req.Notes,
	}
	if err := rc.co.UpdateTask(c.Request().Context(), task); err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.NoContent(http.StatusNoContent)
}

// checkSubtaskIDs rejects subtasks without an id or sharing one; subtask
// edits address subtasks by id.
func checkSubtaskIDs(subtasks []domain.Subtask) error {
	seen := make(map[string]struct{}, len(subtasks))
	for _, st := range subtasks {
		if st.ID == "" {
			return fmt.Errorf("%w: subtask without id", errInvalidBody)
		}
		if _, dup := seen[st.ID]; dup {
			return fmt.Errorf("%w: duplicate subtask id %q", errInvalidBody, st.ID)
		}
		seen[st.ID] = struct{}{}
	}
	return nil
}

type moveRequest struct {
	TaskID    string     `json:"taskId"`
	FromIndex int        `json:"fromIndex"`
	ToDay     domain.Day `json:"toDay"`
	ToIndex   int        `json:"toIndex"`
}

type writesResponse struct {
	Writes    int  `json:"writes"`
	Duplicate bool `json:"duplicate,omitempty"`
}

func (s *Server) moveTask(c echo.Context, rc *requestContext) error {
	var req moveRequest
	if err := c.Echo().JSONSerializer.Deserialize(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	var writes int
	duplicate, err := s.once(ctx, rc.session.OwnerID(), c.Request().Header.Get(HeaderIdempotencyKey), func() error {
		updates, err := rc.co.Move(ctx, coordinator.MoveRequest{
			TaskID:    req.TaskID,
			FromIndex: req.FromIndex,
			ToDay:     req.ToDay,
			ToIndex:   req.ToIndex,
		})
		writes = len(updates)
		return err
	})
	if err != nil {
		return err
	}
	rc.metrics.SetWrites(writes)
	rc.metrics.SetDuplicate(duplicate)
	return c.JSON(http.StatusOK, writesResponse{Writes: writes, Duplicate: duplicate})
}

func (s *Server) saveAll(c echo.Context, rc *requestContext) error {
	ctx := c.Request().Context()
	writes := len(rc.session.Tasks())
	duplicate, err := s.once(ctx, rc.session.OwnerID(), c.Request().Header.Get(HeaderIdempotencyKey), func() error {
		return rc.co.SaveAll(ctx)
	})
	if err != nil {
		return err
	}
	if duplicate {
		writes = 0
	}
	rc.metrics.SetWrites(writes)
	rc.metrics.SetDuplicate(duplicate)
	return c.JSON(http.StatusOK, writesResponse{Writes: writes, Duplicate: duplicate})
}

type addSubtaskRequest struct {
	Text string `json:"text"`
}

func (s *Server) addSubtask(c echo.Context, rc *requestContext) error {
	var req addSubtaskRequest
	if err := c.Echo().JSONSerializer.Deserialize(c, &req); err != nil {
		return err
	}
	st, err := rc.co.AddSubtask(c.Request().Context(), c.Param("id"), req.Text)
	if err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.JSON(http.StatusCreated, st)
}

func (s *Server) toggleSubtask(c echo.Context, rc *requestContext) error {
	completed, err := rc.co.ToggleSubtask(c.Request().Context(), c.Param("id"), c.Param("sid"))
	if err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.JSON(http.StatusOK, completedResponse{Completed: completed})
}

func (s *Server) removeSubtask(c echo.Context, rc *requestContext) error {
	if err := rc.co.RemoveSubtask(c.Request().Context(), c.Param("id"), c.Param("sid")); err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) clearNotes(c echo.Context, rc *requestContext) error {
	if err := rc.co.ClearNotes(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	rc.metrics.SetWrites(1)
	return c.NoContent(http.StatusNoContent)
}

type selectionRequest struct {
	TaskID string `json:"taskId"`
}

func (s *Server) getSelection(c echo.Context, rc *requestContext) error {
	task, ok := rc.session.Selected()
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) openDetail(c echo.Context, rc *requestContext) error {
	var req selectionRequest
	if err := c.Echo().JSONSerializer.Deserialize(c, &req); err != nil {
		return err
	}
	if err := rc.co.OpenDetail(req.TaskID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) closeDetail(c echo.Context, rc *requestContext) error {
	rc.co.CloseDetail()
	return c.NoContent(http.StatusNoContent)
}
