package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"kanban-sync/board"
	"kanban-sync/domain"
	"kanban-sync/remote"
)

const maxBodySize = 1 << 20

// Directory is the part of the task board API served as a pass-through.
type Directory interface {
	FetchUserRole(ctx context.Context, sess domain.Session, boardID string) (domain.Role, error)
	FetchCollaborators(ctx context.Context, sess domain.Session, boardID string) ([]domain.Collaborator, error)
	AddCollaborator(ctx context.Context, sess domain.Session, boardID, userID string, role domain.Role) (*domain.Collaborator, error)
}

// Register wires up board endpoints on the given Echo instance.
func Register(e *echo.Echo, reg *Registry, dir Directory, auth Authenticator, logger *log.Logger) {
	e.GET("/api/boards/:id", getBoard(reg, auth, logger))
	e.GET("/api/boards/:id/stream", streamBoard(reg, auth))
	e.POST("/api/boards/:id/tasks", createTask(reg, auth, logger))
	e.PUT("/api/boards/:id/tasks/:taskId", updateTask(reg, auth, logger))
	e.POST("/api/boards/:id/tasks/:taskId/move", moveTask(reg, auth, logger))
	e.DELETE("/api/boards/:id/tasks/:taskId", deleteTask(reg, auth, logger))
	e.GET("/api/boards/:id/schedule", getSchedule(reg, auth))
	e.GET("/api/boards/:id/role", getRole(dir, auth))
	e.GET("/api/boards/:id/collaborators", getCollaborators(dir, auth))
	e.POST("/api/boards/:id/collaborators", addCollaborator(dir, auth))
	e.GET("/healthz", healthz(reg))
}

type boardResponse struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Columns     []domain.Column `json:"columns"`
	Unplaced    []domain.Task   `json:"unplaced,omitempty"`
	Pending     int             `json:"pending"`
}

func newBoardResponse(v *board.View) boardResponse {
	meta := v.Board()
	return boardResponse{
		ID:          meta.ID,
		Title:       meta.Title,
		Description: meta.Description,
		Columns:     board.Project(meta.Tasks, v.ColumnSpecs()),
		Unplaced:    board.Unplaced(meta.Tasks, v.ColumnSpecs()),
		Pending:     v.Pending(),
	}
}

type writeResponse struct {
	WriteID string      `json:"write_id"`
	Kind    string      `json:"kind"`
	TaskID  string      `json:"task_id"`
	Task    domain.Task `json:"task"`
}

func newWriteResponse(pw *board.PendingWrite) writeResponse {
	return writeResponse{WriteID: pw.ID, Kind: pw.Kind.String(), TaskID: pw.TaskID, Task: pw.Task}
}

type moveRequest struct {
	Status domain.Status `json:"status"`
}

type collaboratorRequest struct {
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role"`
}

func healthz(reg *Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "views": reg.Len()})
	}
}

func getBoard(reg *Registry, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newBoardRequestMetrics(ctx, logger, "/api/boards/:id")
		c.SetRequest(c.Request().WithContext(spanCtx))
		ctx = spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		sess, authErr := auth.Session(c.Request())
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		filter, filterErr := parseFilter(c)
		if filterErr != nil {
			metrics.SetErrorStage("invalid_filter")
			return c.String(http.StatusBadRequest, filterErr.Error())
		}

		viewStart := time.Now()
		lease, leaseErr := reg.Acquire(ctx, sess, c.Param("id"), filter)
		metrics.ObserveView(time.Since(viewStart))
		if leaseErr != nil {
			metrics.SetErrorStage("view")
			return writeError(c, leaseErr)
		}
		defer lease.Release()

		resp := newBoardResponse(lease.View)
		metrics.SetTasksReturned(len(lease.View.Tasks()))
		metrics.SetPendingWrites(resp.Pending)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func streamBoard(reg *Registry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := auth.Session(c.Request())
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		filter, err := parseFilter(c)
		if err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		ctx := c.Request().Context()
		lease, err := reg.Acquire(ctx, sess, c.Param("id"), filter)
		if err != nil {
			return writeError(c, err)
		}
		defer lease.Release()

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ch, unsubscribe := lease.View.Subscribe()
		defer unsubscribe()
		for {
			data, err := sonic.ConfigStd.Marshal(newBoardResponse(lease.View))
			if err != nil {
				c.Logger().Error(err)
				return err
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
				continue
			}
		}
	}
}

func createTask(reg *Registry, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return writeHandler(reg, auth, logger, "/api/boards/:id/tasks", func(c echo.Context, v *board.View) (*board.PendingWrite, error) {
		var task domain.Task
		if err := decodeBody(c, &task); err != nil {
			return nil, err
		}
		return v.CreateTask(task)
	})
}

func updateTask(reg *Registry, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return writeHandler(reg, auth, logger, "/api/boards/:id/tasks/:taskId", func(c echo.Context, v *board.View) (*board.PendingWrite, error) {
		var patch domain.TaskPatch
		if err := decodeBody(c, &patch); err != nil {
			return nil, err
		}
		return v.UpdateTask(c.Param("taskId"), patch)
	})
}

func moveTask(reg *Registry, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return writeHandler(reg, auth, logger, "/api/boards/:id/tasks/:taskId/move", func(c echo.Context, v *board.View) (*board.PendingWrite, error) {
		var req moveRequest
		if err := decodeBody(c, &req); err != nil {
			return nil, err
		}
		return v.MoveTask(c.Param("taskId"), req.Status)
	})
}

func deleteTask(reg *Registry, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return writeHandler(reg, auth, logger, "/api/boards/:id/tasks/:taskId", func(c echo.Context, v *board.View) (*board.PendingWrite, error) {
		return v.DeleteTask(c.Param("taskId"))
	})
}

// writeHandler starts an optimistic write on the caller's view and answers 202
// with the tentative result. The lease is held until the write settles.
func writeHandler(reg *Registry, auth Authenticator, logger *log.Logger, route string, start func(echo.Context, *board.View) (*board.PendingWrite, error)) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newBoardRequestMetrics(c.Request().Context(), logger, route)
		c.SetRequest(c.Request().WithContext(spanCtx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		sess, authErr := auth.Session(c.Request())
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		// Writes go to the view the caller reads, so they carry the same filter.
		filter, filterErr := parseFilter(c)
		if filterErr != nil {
			metrics.SetErrorStage("invalid_filter")
			return c.String(http.StatusBadRequest, filterErr.Error())
		}
		lease, leaseErr := reg.Acquire(spanCtx, sess, c.Param("id"), filter)
		if leaseErr != nil {
			metrics.SetErrorStage("view")
			return writeError(c, leaseErr)
		}
		pw, writeErr := start(c, lease.View)
		if writeErr != nil {
			lease.Release()
			metrics.SetErrorStage("write")
			return writeError(c, writeErr)
		}
		go func() {
			lease.View.Flush()
			lease.Release()
		}()
		metrics.SetPendingWrites(lease.View.Pending())
		return c.JSON(http.StatusAccepted, newWriteResponse(pw))
	}
}

func getSchedule(reg *Registry, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := auth.Session(c.Request())
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		loc := time.UTC
		if tz := c.QueryParam("tz"); tz != "" {
			if loc, err = time.LoadLocation(tz); err != nil {
				return c.String(http.StatusBadRequest, "invalid tz")
			}
		}
		day := time.Now().In(loc)
		if v := c.QueryParam("day"); v != "" {
			if day, err = time.ParseInLocation(time.DateOnly, v, loc); err != nil {
				return c.String(http.StatusBadRequest, "invalid day")
			}
		}
		lease, err := reg.Acquire(c.Request().Context(), sess, c.Param("id"), domain.Filter{})
		if err != nil {
			return writeError(c, err)
		}
		defer lease.Release()

		tasks := lease.View.Tasks()
		return c.JSON(http.StatusOK, map[string]any{
			"day":    day.Format(time.DateOnly),
			"window": board.DefaultWindow,
			"slots":  board.Schedule(tasks, day, board.DefaultWindow),
			"days":   board.DaysWithTasks(tasks, day),
		})
	}
}

func getRole(dir Directory, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := auth.Session(c.Request())
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		role, err := dir.FetchUserRole(c.Request().Context(), sess, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]domain.Role{"role": role})
	}
}

func getCollaborators(dir Directory, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := auth.Session(c.Request())
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		list, err := dir.FetchCollaborators(c.Request().Context(), sess, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		if list == nil {
			list = []domain.Collaborator{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func addCollaborator(dir Directory, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := auth.Session(c.Request())
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req collaboratorRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err)
		}
		if req.UserID == "" || !req.Role.Valid() {
			return c.String(http.StatusBadRequest, "user_id and a valid role are required")
		}
		collab, err := dir.AddCollaborator(c.Request().Context(), sess, c.Param("id"), req.UserID, req.Role)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, collab)
	}
}

var errInvalidBody = errors.New("invalid body")

func decodeBody(c echo.Context, out any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	if err := dec.Decode(out); err != nil {
		return errInvalidBody
	}
	return nil
}

// parseFilter reads status and priority query values. Both accept repeated
// parameters and comma separated lists.
func parseFilter(c echo.Context) (domain.Filter, error) {
	var f domain.Filter
	q := c.QueryParams()
	for _, s := range splitValues(q["status"]) {
		f.Statuses = append(f.Statuses, domain.Status(s))
	}
	for _, p := range splitValues(q["priority"]) {
		f.Priorities = append(f.Priorities, domain.Priority(p))
	}
	return f, f.Validate()
}

func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeError(c echo.Context, err error) error {
	var httpErr *remote.HTTPError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrTaskPending):
		return c.String(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus), errors.Is(err, domain.ErrInvalidPriority), errors.Is(err, errInvalidBody):
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, board.ErrViewClosed), errors.Is(err, ErrRegistryClosed):
		return c.String(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &httpErr):
		switch httpErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return c.String(httpErr.Status, httpErr.Message)
		}
		return c.String(http.StatusBadGateway, err.Error())
	}
	c.Logger().Error(err)
	return c.String(http.StatusBadGateway, err.Error())
}
