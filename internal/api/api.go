// Package api exposes the gateway over HTTP. Handlers only translate
// between HTTP and the dispatcher, result store and inbound index.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/mail-gateway/internal/dispatcher"
	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/inbox"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Sender accepts outbound requests. *dispatcher.Dispatcher satisfies it.
type Sender interface {
	Submit(ctx context.Context, req email.OutboundRequest, meta email.ClientMeta) (string, error)
}

// Results reads delivery results. *results.Store satisfies it.
type Results interface {
	Read(ctx context.Context, id string) (email.DeliveryResult, error)
}

// Stager stages uploaded attachments. *storage.Attachments satisfies it.
type Stager interface {
	Stage(ctx context.Context, filename string, data []byte) (string, error)
}

// Inbox is the inbound read side. *inbox.Index satisfies it.
type Inbox interface {
	List(ctx context.Context, limit, offset int) ([]*email.InboundMessage, error)
	Search(ctx context.Context, query string) ([]*email.InboundMessage, error)
	Statistics(ctx context.Context) (inbox.Stats, error)
	Get(ctx context.Context, id string) (*email.InboundMessage, error)
	Summaries(ctx context.Context, f inbox.SummaryFilter) ([]inbox.Summary, error)
	SearchSummaries(ctx context.Context, query string, limit int) ([]inbox.Summary, error)
	Context(ctx context.Context, id string) (*inbox.Conversation, error)
}

// Deps are the services behind the handlers.
type Deps struct {
	Sender      Sender
	Results     Results
	Attachments Stager
	Inbox       Inbox
	Auth        *Authenticator
	Logger      *slog.Logger
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine serving every route.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = NewAuthenticator("")
	}
	h := &handler{Deps: deps}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1", deps.Auth.Middleware())
	{
		v1.POST("/attachments", h.uploadAttachments)
		v1.POST("/mail/send", h.send)
		v1.GET("/mail/results/:id", h.result)

		v1.GET("/inbox", h.listInbox)
		v1.GET("/inbox/search", h.searchInbox)
		v1.GET("/inbox/stats", h.inboxStats)
		v1.GET("/inbox/:id", h.getInbox)
	}

	mcp := r.Group("/mcp", deps.Auth.Middleware())
	{
		mcp.GET("/emails", h.summaries)
		mcp.GET("/emails/:id", h.detail)
		mcp.GET("/emails/:id/context", h.conversation)
		mcp.GET("/search", h.searchSummaries)
		mcp.GET("/statistics", h.inboxStats)
	}
	return r
}

// logRequests logs each request after it completes.
func (h *handler) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		h.Logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
		)
	}
}

// fail writes err as a JSON error with a status derived from the error
// taxonomy.
func (h *handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, email.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatcher.ErrClosed), email.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// pagination reads limit and offset query parameters.
func pagination(c *gin.Context) (limit, offset int, ok bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit < 1 || limit > maxLimit {
		badRequest(c, "limit must be between 1 and 1000")
		return 0, 0, false
	}
	offset, err = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "offset must be a non-negative integer")
		return 0, 0, false
	}
	return limit, offset, true
}

// query returns the search query from q or query.
func query(c *gin.Context) string {
	if q := c.Query("q"); q != "" {
		return q
	}
	return c.Query("query")
}

type sendRequest struct {
	To             string   `json:"to"`
	Subject        string   `json:"subject"`
	Body           string   `json:"body"`
	Debug          bool     `json:"debug"`
	AttachmentKeys []string `json:"attachment_keys"`
}

func (h *handler) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.To) == "" {
		badRequest(c, "to is required")
		return
	}

	headers := c.Request.Header.Clone()
	headers.Del(APIKeyHeader)
	headers.Del("Authorization")

	id, err := h.Sender.Submit(c.Request.Context(), email.OutboundRequest{
		To:             req.To,
		Subject:        req.Subject,
		Body:           req.Body,
		Debug:          req.Debug,
		AttachmentKeys: req.AttachmentKeys,
	}, email.ClientMeta{
		Addr:    c.ClientIP(),
		Headers: headers,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": id, "status": "accepted"})
}

func (h *handler) uploadAttachments(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "expected multipart form: "+err.Error())
		return
	}
	files := append(form.File["files"], form.File["file"]...)
	if len(files) == 0 {
		badRequest(c, "no files uploaded")
		return
	}

	type staged struct {
		Key      string `json:"key"`
		Filename string `json:"filename"`
		Size     int    `json:"size"`
	}
	out := make([]staged, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			h.fail(c, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.fail(c, err)
			return
		}
		key, err := h.Attachments.Stage(c.Request.Context(), fh.Filename, data)
		if err != nil {
			h.fail(c, err)
			return
		}
		out = append(out, staged{Key: key, Filename: fh.Filename, Size: len(data)})
	}
	c.JSON(http.StatusCreated, gin.H{"attachments": out})
}

func (h *handler) result(c *gin.Context) {
	r, err := h.Results.Read(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handler) listInbox(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	msgs, err := h.Inbox.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(msgs))
}

func (h *handler) searchInbox(c *gin.Context) {
	q := query(c)
	if q == "" {
		badRequest(c, "query parameter q is required")
		return
	}
	msgs, err := h.Inbox.Search(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(msgs))
}

func (h *handler) inboxStats(c *gin.Context) {
	st, err := h.Inbox.Statistics(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) getInbox(c *gin.Context) {
	m, err := h.Inbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handler) summaries(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	out, err := h.Inbox.Summaries(c.Request.Context(), inbox.SummaryFilter{
		Limit:    limit,
		Offset:   offset,
		Category: c.Query("category"),
		Priority: c.Query("priority"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(out))
}

func (h *handler) searchSummaries(c *gin.Context) {
	q := query(c)
	if q == "" {
		badRequest(c, "query parameter query is required")
		return
	}
	limit, _, ok := pagination(c)
	if !ok {
		return
	}
	out, err := h.Inbox.SearchSummaries(c.Request.Context(), q, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(out))
}

// detail is the full view of one message for automated clients.
type detail struct {
	ID          string                 `json:"id"`
	Subject     string                 `json:"subject"`
	FromAddress string                 `json:"from_address"`
	FromName    string                 `json:"from_name,omitempty"`
	ToAddresses []string               `json:"to_addresses"`
	ReceivedAt  string                 `json:"received_at"`
	Text        string                 `json:"text_content"`
	HTML        string                 `json:"html_content"`
	Attachments []email.AttachmentInfo `json:"attachments"`
	Metadata    detailMetadata         `json:"metadata"`
}

type detailMetadata struct {
	ProcessedAt    string `json:"processed_at"`
	HasAttachments bool   `json:"has_attachments"`
	ContentLength  int    `json:"content_length"`
	Priority       string `json:"priority"`
	Category       string `json:"category"`
	Sentiment      string `json:"sentiment"`
}

func (h *handler) detail(c *gin.Context) {
	m, err := h.Inbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	s := inbox.Summarize(m)
	c.JSON(http.StatusOK, detail{
		ID:          m.ID,
		Subject:     m.Subject,
		FromAddress: m.From.Address,
		FromName:    m.From.Name,
		ToAddresses: s.ToAddresses,
		ReceivedAt:  m.ReceivedAt.Format(time.RFC3339),
		Text:        m.Text,
		HTML:        m.HTML,
		Attachments: nonNil(m.Attachments),
		Metadata: detailMetadata{
			ProcessedAt:    m.ProcessedAt.Format(time.RFC3339),
			HasAttachments: s.HasAttachments,
			ContentLength:  len(m.Text) + len(m.HTML),
			Priority:       s.Priority,
			Category:       s.Category,
			Sentiment:      s.Sentiment,
		},
	})
}

func (h *handler) conversation(c *gin.Context) {
	conv, err := h.Inbox.Context(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// nonNil makes empty results encode as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
