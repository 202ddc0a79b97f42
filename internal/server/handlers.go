package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/itenfay/cxdownload/internal/api"
	"github.com/itenfay/cxdownload/internal/config"
	"github.com/itenfay/cxdownload/internal/download"
	"github.com/itenfay/cxdownload/internal/logger"
	"github.com/itenfay/cxdownload/internal/storage"
	"github.com/itenfay/cxdownload/internal/types"
	"github.com/itenfay/cxdownload/internal/version"
)

// TaskRequest identifies a task and optionally its destination
type TaskRequest struct {
	URL       string `json:"url" binding:"required"`
	Directory string `json:"directory"`
	FileName  string `json:"fileName"`
}

func (r *TaskRequest) options() download.Options {
	return download.Options{Directory: r.Directory, FileName: r.FileName}
}

// SettingsRequest changes scheduler settings; absent fields are left as they are
type SettingsRequest struct {
	MaxConcurrent        *int    `json:"maxConcurrent"`
	AllowsCellularAccess *bool   `json:"allowsCellularAccess"`
	Reachability         *string `json:"reachability"`
}

// Settings is the current scheduler configuration
type Settings struct {
	MaxConcurrent        int    `json:"maxConcurrent"`
	AllowsCellularAccess bool   `json:"allowsCellularAccess"`
	Reachability         string `json:"reachability"`
}

// CreatedTask is returned when a download is accepted
type CreatedTask struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *Server) handleInfo(c *gin.Context) {
	api.Success(c, gin.H{
		"name":    "cxdownload",
		"version": version.Get(),
		"status":  "running",
	})
}

// respondError maps scheduler errors onto the envelope
func respondError(c *gin.Context, err error) {
	var te *download.TaskError
	switch {
	case errors.As(err, &te) && te.Kind == download.KindInvalidResource:
		api.Error(c, types.ErrInvalidURL, te.Message)
	case errors.Is(err, storage.ErrTaskNotFound):
		api.NotFound(c, "Task")
	case errors.Is(err, download.ErrInvalidLimit), errors.Is(err, download.ErrInvalidReachability):
		api.BadRequest(c, err.Error())
	case errors.Is(err, download.ErrSchedulerClosed):
		api.Error(c, types.ErrUnavailable, err.Error())
	default:
		_ = c.Error(err)
	}
}

func (s *Server) handleCreateDownload(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}

	id, err := s.downloads.Download(c.Request.Context(), req.URL, req.options(), download.Callbacks{})
	if err != nil {
		respondError(c, err)
		return
	}
	api.Accepted(c, CreatedTask{ID: id, URL: req.URL})
}

func (s *Server) handleListDownloads(c *gin.Context) {
	tasks, err := s.downloads.Tasks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	api.Success(c, tasks)
}

func (s *Server) handleGetDownload(c *gin.Context) {
	rawURL := c.Query("url")
	if rawURL == "" {
		api.BadRequest(c, "url query parameter is required")
		return
	}

	rec, err := s.downloads.Task(c.Request.Context(), rawURL)
	if err != nil {
		respondError(c, err)
		return
	}
	api.Success(c, rec)
}

func (s *Server) handlePauseDownload(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.downloads.Pause(c.Request.Context(), req.URL); err != nil {
		respondError(c, err)
		return
	}
	api.SuccessWithMessage(c, "paused")
}

func (s *Server) handleCancelDownload(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.downloads.Cancel(c.Request.Context(), req.URL); err != nil {
		respondError(c, err)
		return
	}
	api.SuccessWithMessage(c, "cancelled")
}

func (s *Server) handleDeleteDownload(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}
	if err := s.downloads.Delete(c.Request.Context(), req.URL, req.options()); err != nil {
		respondError(c, err)
		return
	}
	api.SuccessWithMessage(c, "deleted")
}

func (s *Server) currentSettings() Settings {
	limit, cellular, reachability := s.downloads.Settings()
	return Settings{
		MaxConcurrent:        limit,
		AllowsCellularAccess: cellular,
		Reachability:         string(reachability),
	}
}

func (s *Server) handleGetSettings(c *gin.Context) {
	api.Success(c, s.currentSettings())
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.ValidationError(c, err)
		return
	}

	ctx := c.Request.Context()
	if req.Reachability != nil {
		if err := s.downloads.SetNetworkReachability(ctx, download.Reachability(*req.Reachability)); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.MaxConcurrent != nil {
		if err := s.downloads.SetMaxConcurrentDownloads(ctx, *req.MaxConcurrent); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.AllowsCellularAccess != nil {
		s.downloads.SetCellularAccessAllowed(ctx, *req.AllowsCellularAccess)
	}

	current := s.currentSettings()
	if s.configMgr != nil {
		_, err := s.configMgr.Update(func(cfg *config.Config) {
			cfg.Download.MaxConcurrent = current.MaxConcurrent
			cfg.Download.AllowsCellularAccess = current.AllowsCellularAccess
			cfg.Network.Reachability = current.Reachability
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to save settings")
			api.InternalError(c, err)
			return
		}
	}

	api.Success(c, current)
}
