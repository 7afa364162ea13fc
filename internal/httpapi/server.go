// Package httpapi wires the Echo HTTP application: health, room lookup,
// media upload/streaming, and the websocket gateway upgrade route.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"watchsync/internal/core"
	"watchsync/internal/gateway"
	"watchsync/internal/media"
	"watchsync/internal/protocol"
	"watchsync/internal/store"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application wiring the public HTTP and websocket surface.
type Server struct {
	echo     *echo.Echo
	registry *core.Registry
	media    *media.Store
}

// New constructs an Echo app with websocket + REST routes.
func New(registry *core.Registry, mediaStore *media.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, registry: registry, media: mediaStore}
	s.registerRoutes()
	return s
}

// jsonErrorHandler renders every HTTP error as {"error": "..."} so clients
// never have to special-case Echo's default HTML error page.
func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		} else {
			message = fmt.Sprintf("%v", he.Message)
		}
	}

	if jsonErr := c.JSON(status, map[string]string{"error": message}); jsonErr != nil {
		slog.Error("write error response", "err", jsonErr)
	}
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/ws" || path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/room/:roomCode", s.handleRoomInfo)
	s.echo.POST("/api/upload", s.handleUpload)
	s.echo.GET("/api/video/:storageKey", s.handleVideoStream)
	s.echo.GET("/api/admin/media", s.handleAdminMediaList)
	s.echo.DELETE("/api/admin/media/:storageKey", s.handleAdminMediaDelete)
	gateway.NewHandler(s.registry).Register(s.echo)
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
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Rooms:  s.registry.RoomCount(),
	})
}

type roomInfoResponse struct {
	Code         string                    `json:"code"`
	UserCount    int                       `json:"userCount"`
	CurrentVideo *protocol.VideoDescriptor `json:"currentVideo"`
	CreatedAt    int64                     `json:"createdAt"`
	ChatLength   int                       `json:"chatLength"`
}

func (s *Server) handleRoomInfo(c echo.Context) error {
	code := strings.ToUpper(strings.TrimSpace(c.Param("roomCode")))
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "roomCode is required")
	}

	room, ok := s.registry.Get(code)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}

	var video *protocol.VideoDescriptor
	if v, ok := room.CurrentVideo(); ok {
		video = &v
	}

	return c.JSON(http.StatusOK, roomInfoResponse{
		Code:         code,
		UserCount:    room.MemberCount(),
		CurrentVideo: video,
		CreatedAt:    room.CreatedAt(),
		ChatLength:   room.ChatLength(),
	})
}

type videoResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

type uploadResponse struct {
	Success bool          `json:"success"`
	Video   videoResponse `json:"video"`
}

func (s *Server) handleUpload(c echo.Context) error {
	if s.media == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "media storage is not configured")
	}

	fileHeader, err := c.FormFile("video")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, `multipart file field "video" is required`)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	slog.Debug("upload start", "filename", fileHeader.Filename, "content_type", contentType, "size", fileHeader.Size)

	rec, err := s.media.Put(c.Request().Context(), media.PutInput{
		OriginalName: fileHeader.Filename,
		ContentType:  contentType,
		Reader:       src,
	})
	if err != nil {
		if errors.Is(err, media.ErrNotVideo) {
			return echo.NewHTTPError(http.StatusBadRequest, "uploaded file must be a video")
		}
		slog.Error("upload failed", "filename", fileHeader.Filename, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist upload: %v", err))
	}

	slog.Info("video uploaded", "storage_key", rec.StorageKey, "filename", rec.OriginalName, "size", rec.SizeBytes)
	return c.JSON(http.StatusOK, uploadResponse{
		Success: true,
		Video: videoResponse{
			ID:       rec.StorageKey,
			Name:     rec.OriginalName,
			Size:     rec.SizeBytes,
			Type:     rec.ContentType,
			Filename: rec.OriginalName,
		},
	})
}

func (s *Server) handleVideoStream(c echo.Context) error {
	if s.media == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "media storage is not configured")
	}

	storageKey := strings.TrimSpace(c.Param("storageKey"))
	if storageKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "storageKey is required")
	}

	if err := s.media.ServeHTTP(c.Response(), c.Request(), storageKey, c.QueryParam("type")); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "video not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("stream video: %v", err))
	}
	return nil
}

type mediaRecordResponse struct {
	StorageKey   string `json:"storageKey"`
	OriginalName string `json:"originalName"`
	ContentType  string `json:"contentType"`
	SizeBytes    int64  `json:"sizeBytes"`
	CreatedAt    string `json:"createdAt"`
}

func (s *Server) handleAdminMediaList(c echo.Context) error {
	if s.media == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "media storage is not configured")
	}

	records, err := s.media.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("list media: %v", err))
	}

	out := make([]mediaRecordResponse, len(records))
	for i, rec := range records {
		out[i] = mediaRecordResponse{
			StorageKey:   rec.StorageKey,
			OriginalName: rec.OriginalName,
			ContentType:  rec.ContentType,
			SizeBytes:    rec.SizeBytes,
			CreatedAt:    rec.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleAdminMediaDelete(c echo.Context) error {
	if s.media == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "media storage is not configured")
	}

	storageKey := strings.TrimSpace(c.Param("storageKey"))
	if storageKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "storageKey is required")
	}

	if err := s.media.Delete(c.Request().Context(), storageKey); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "media not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("delete media: %v", err))
	}
	slog.Info("media deleted via admin endpoint", "storage_key", storageKey)
	return c.NoContent(http.StatusNoContent)
}
