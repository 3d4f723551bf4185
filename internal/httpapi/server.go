package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/server/internal/core"
	"parley/server/internal/transfer"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// History lists finished transfers, newest first.
type History interface {
	RecentTransfers(ctx context.Context, limit int) ([]transfer.Record, error)
}

// Server is the read-only status application.
type Server struct {
	echo     *echo.Echo
	sessions *core.Sessions
	rooms    *core.Rooms
	files    *transfer.Storage
	history  History
}

// New constructs the Echo app. files and history may be nil; their routes
// then answer 503.
func New(sessions *core.Sessions, rooms *core.Rooms, files *transfer.Storage, history History) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, sessions: sessions, rooms: rooms, files: files, history: history}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/api/files", s.handleFiles)
	s.echo.GET("/api/files/:name", s.handleFileDownload)
	s.echo.GET("/api/transfers", s.handleTransfers)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.sessions.ConnectedCount(),
	})
}

type sessionView struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	Room      string `json:"room,omitempty"`
	Muted     bool   `json:"muted"`
	MuteUntil string `json:"mute_until,omitempty"`
}

type sessionsResponse struct {
	Connected  int           `json:"connected"`
	Registered int           `json:"registered"`
	Sessions   []sessionView `json:"sessions"`
}

func (s *Server) handleSessions(c echo.Context) error {
	list := s.sessions.List()
	out := sessionsResponse{
		Connected:  len(list),
		Registered: len(s.sessions.Export()),
		Sessions:   make([]sessionView, 0, len(list)),
	}
	for _, sess := range list {
		v := sessionView{
			Username:  sess.Username,
			Role:      sess.Role.String(),
			Connected: sess.Connected,
			Address:   sess.Address.String(),
			Room:      sess.CurrentRoom,
			Muted:     sess.Muted,
		}
		if sess.Muted {
			v.MuteUntil = sess.MuteUntil.UTC().Format(time.RFC3339)
		}
		out.Sessions = append(out.Sessions, v)
	}
	return c.JSON(http.StatusOK, out)
}

type roomView struct {
	Name    string   `json:"name"`
	Creator string   `json:"creator"`
	Members []string `json:"members"`
}

func (s *Server) handleRooms(c echo.Context) error {
	infos := s.rooms.List()
	out := make([]roomView, 0, len(infos))
	for _, info := range infos {
		members, err := s.rooms.Members(info.Name)
		if err != nil {
			// Deleted between List and Members.
			continue
		}
		if members == nil {
			members = []string{}
		}
		out = append(out, roomView{Name: info.Name, Creator: info.Creator, Members: members})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleFiles(c echo.Context) error {
	if s.files == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "file storage is not configured")
	}
	files, err := s.files.Files()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("list files: %v", err))
	}
	if files == nil {
		files = []transfer.FileInfo{}
	}
	return c.JSON(http.StatusOK, files)
}

func (s *Server) handleFileDownload(c echo.Context) error {
	if s.files == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "file storage is not configured")
	}

	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file name is required")
	}

	f, info, err := s.files.Open(name)
	if err != nil {
		if errors.Is(err, transfer.ErrFileNotFound) || errors.Is(err, transfer.ErrBadName) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open file: %v", err))
	}
	defer f.Close()

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEOctetStream)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size(), 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(info.Name())),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, f)
	return copyErr
}

type transferView struct {
	ID         string `json:"id"`
	Direction  string `json:"direction"`
	Filename   string `json:"filename"`
	StoredAs   string `json:"stored_as,omitempty"`
	Peer       string `json:"peer,omitempty"`
	Bytes      int64  `json:"bytes"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	FinishedAt string `json:"finished_at"`
}

func (s *Server) handleTransfers(c echo.Context) error {
	if s.history == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "transfer history is not configured")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}

	recs, err := s.history.RecentTransfers(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query transfers: %v", err))
	}
	out := make([]transferView, 0, len(recs))
	for _, r := range recs {
		out = append(out, transferView{
			ID:         r.ID,
			Direction:  string(r.Direction),
			Filename:   r.Filename,
			StoredAs:   r.StoredAs,
			Peer:       r.Peer,
			Bytes:      r.Bytes,
			OK:         r.OK(),
			Error:      r.Err,
			FinishedAt: r.FinishedAt.Format(time.RFC3339Nano),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
