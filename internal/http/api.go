package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tubefetch/internal/domain"
	"tubefetch/internal/downloader"
	"tubefetch/internal/ledger"
	"tubefetch/internal/notify"
	"tubefetch/internal/service"
	"tubefetch/internal/storage"
)

// Handler wires HTTP routes to domain services.
type Handler struct {
	manager downloader.Manager
	users   service.UserService
	tokens  *service.TokenIssuer
	credits ledger.Service
	storage storage.Service
	limiter *submitLimiter
	logger  *logrus.Logger
	version string
}

type Options struct {
	Version string
	// SubmitRate is the sustained number of submissions per second per account.
	SubmitRate  float64
	SubmitBurst int
	Logger      *logrus.Logger
}

func NewHandler(manager downloader.Manager, users service.UserService, tokens *service.TokenIssuer, credits ledger.Service, store storage.Service, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{
		manager: manager,
		users:   users,
		tokens:  tokens,
		credits: credits,
		storage: store,
		limiter: newSubmitLimiter(opts.SubmitRate, opts.SubmitBurst),
		logger:  opts.Logger,
		version: opts.Version,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.GET("/version", func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"version": h.version})
	})

	auth := api.Group("/auth")
	{
		auth.POST("/register", h.register)
		auth.POST("/login", h.login)
		auth.GET("/me", h.requireAuth(), h.me)
	}

	secured := api.Group("", h.requireAuth())
	{
		secured.POST("/downloads", h.createDownload)
		secured.GET("/downloads", h.listDownloads)
		secured.GET("/downloads/:id", h.getDownload)
		secured.DELETE("/downloads/:id", h.deleteDownload)
		secured.GET("/downloads/:id/file", h.downloadFile)
		secured.GET("/downloads/:id/objects", h.listObjects)
		secured.GET("/ws/:id", h.subscribe)

		secured.GET("/credits/balance", h.balance)
		secured.GET("/credits/history", h.history)
		secured.GET("/credits/estimate", h.estimate)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type createDownloadRequest struct {
	URL     string         `json:"url" binding:"required"`
	Options domain.Options `json:"options"`
}

func (h *Handler) createDownload(c *gin.Context) {
	accountID := currentAccount(c)

	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, domain.CodeInvalidRequest, err.Error())
		return
	}
	if !h.limiter.Allow(accountID) {
		respondError(c, http.StatusTooManyRequests, domain.CodeRateLimited, "too many download requests, slow down")
		return
	}

	task, err := h.manager.Submit(c.Request.Context(), accountID, domain.Request{URL: req.URL, Options: req.Options})
	if errors.Is(err, domain.ErrInsufficientCredits) && task.ID != "" {
		// the rejected task exists; hand it back so the client can reference it
		message := "insufficient credits"
		if task.Error != nil {
			message = task.Error.Message
		}
		c.AbortWithStatusJSON(http.StatusPaymentRequired, envelope{
			Data:  taskToResponse(task),
			Error: &apiError{Code: domain.CodeInsufficientCredits, Message: message},
		})
		return
	}
	if err != nil {
		h.respondErr(c, err)
		return
	}
	respond(c, http.StatusAccepted, taskToResponse(task))
}

func (h *Handler) listDownloads(c *gin.Context) {
	tasks := h.manager.List(c.Request.Context(), currentAccount(c))
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	respond(c, http.StatusOK, resp)
}

func (h *Handler) getDownload(c *gin.Context) {
	task, err := h.manager.Get(c.Request.Context(), currentAccount(c), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, taskToResponse(task))
}

func (h *Handler) deleteDownload(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Delete(c.Request.Context(), currentAccount(c), id); err != nil {
		h.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) downloadFile(c *gin.Context) {
	result, err := h.manager.Artifact(c.Request.Context(), currentAccount(c), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.FileAttachment(result.FilePath, result.FileName)
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil {
		respondError(c, http.StatusConflict, domain.CodeConflict, "object storage is not configured")
		return
	}

	task, err := h.manager.Get(c.Request.Context(), currentAccount(c), c.Param("id"))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if task.Result == nil || task.Result.RemoteLocation == "" {
		respond(c, http.StatusOK, []StorageObjectResponse{})
		return
	}

	objects, err := h.storage.Artifacts(c.Request.Context(), task.ID)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	respond(c, http.StatusOK, resp)
}

type TaskResponse struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Status      domain.TaskStatus `json:"status"`
	Options     domain.Options    `json:"options"`
	Cost        int64             `json:"cost"`
	Progress    *domain.Progress  `json:"progress,omitempty"`
	Result      *ResultResponse   `json:"result,omitempty"`
	Error       *domain.TaskError `json:"error,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	CompletedAt *string           `json:"completed_at,omitempty"`
	FailedAt    *string           `json:"failed_at,omitempty"`
}

type ResultResponse struct {
	Title          string `json:"title"`
	Filename       string `json:"filename"`
	Size           int64  `json:"size"`
	DownloadURL    string `json:"download_url"`
	RemoteLocation string `json:"remote_location,omitempty"`
}

type StorageObjectResponse struct {
	Name         string  `json:"name"`
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.Artifact) StorageObjectResponse {
	resp := StorageObjectResponse{
		Name: obj.Name,
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:        task.ID,
		URL:       task.Request.URL,
		Status:    task.Status,
		Options:   task.Request.Options,
		Cost:      task.Cost,
		Progress:  task.Progress,
		Error:     task.Error,
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
		UpdatedAt: task.UpdatedAt.Format(time.RFC3339),
	}
	if task.Result != nil {
		resp.Result = &ResultResponse{
			Title:          task.Result.Title,
			Filename:       task.Result.FileName,
			Size:           task.Result.FileSize,
			DownloadURL:    notify.DownloadURL(task.ID),
			RemoteLocation: task.Result.RemoteLocation,
		}
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	if task.FailedAt != nil {
		v := task.FailedAt.Format(time.RFC3339)
		resp.FailedAt = &v
	}
	return resp
}
