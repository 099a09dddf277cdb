package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"jobchat/internal/binding"
	"jobchat/internal/domain"
	"jobchat/internal/metrics"
	"jobchat/internal/search"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const apiMaxBodySize = "1M"

// ConversationStore is the store surface the REST API reads and mutates.
type ConversationStore interface {
	search.Lister
	domain.ParticipantLookup
	FindOrCreateConversation(ctx context.Context, participantIDs []string, b *domain.ContextBinding) (domain.Conversation, bool, error)
	ConversationFor(ctx context.Context, conversationID, viewerID string) (domain.Conversation, error)
	AppendMessage(ctx context.Context, conversationID, senderID, text string, attachments []string) (domain.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, viewerID string) (int, error)
	UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error)
	Participants() []domain.Participant
}

// APIConfig configures the REST API.
type APIConfig struct {
	Host     string
	Port     int
	Store    ConversationStore
	Search   *search.Engine
	Binder   *binding.Binder
	Identity domain.IdentityProvider // defaults to DirectoryIdentity over Store

	// WebSocket, when set, is mounted at WSPath (default /ws).
	WebSocket *WebSocket
	WSPath    string

	// MetricsEndpoint, when non-empty, serves the metrics collector.
	MetricsEndpoint string

	// RateLimit caps /v1 requests per second per viewer; zero disables it.
	RateLimit float64

	Logger *slog.Logger
}

// API is the HTTP surface of the messaging core.
type API struct {
	addr     string
	store    ConversationStore
	search   *search.Engine
	binder   *binding.Binder
	identity domain.IdentityProvider
	logger   *slog.Logger
	echo     *echo.Echo
}

// NewAPI builds the echo server and registers all routes.
func NewAPI(cfg APIConfig) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Identity == nil {
		cfg.Identity = DirectoryIdentity{Participants: cfg.Store}
	}
	if cfg.Search == nil {
		cfg.Search = search.New(cfg.Store, cfg.Store)
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}

	a := &API{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		store:    cfg.Store,
		search:   cfg.Search,
		binder:   cfg.Binder,
		identity: cfg.Identity,
		logger:   cfg.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = a.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(apiMaxBodySize))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/health", a.Health)
	if cfg.MetricsEndpoint != "" {
		e.GET(cfg.MetricsEndpoint, echo.WrapHandler(metrics.Collector.Handler()))
	}

	v1 := e.Group("/v1", a.requireViewer)
	if cfg.RateLimit > 0 {
		v1.Use(viewerRateLimiter(cfg.RateLimit))
	}
	v1.GET("/participants", a.ListParticipants)
	v1.GET("/unread", a.Unread)
	v1.GET("/conversations", a.ListConversations)
	v1.POST("/conversations", a.CreateConversation)
	v1.GET("/conversations/:id", a.GetConversation)
	v1.POST("/conversations/:id/messages", a.SendMessage)
	v1.POST("/conversations/:id/read", a.MarkRead)
	if a.binder != nil {
		v1.GET("/conversations/:id/context", a.GetContext)
		v1.PUT("/conversations/:id/context", a.BindContext)
		v1.GET("/conversations/:id/summary", a.Summary)
		v1.POST("/contexts/open", a.OpenContext)
		v1.GET("/contexts/draft", a.Draft)
	}

	if cfg.WebSocket != nil {
		e.GET(cfg.WSPath, echo.WrapHandler(cfg.WebSocket))
	}

	a.echo = e
	return a
}

var (
	_ domain.Channel = (*API)(nil)
	_ domain.Channel = (*TelegramNotifier)(nil)
)

func (a *API) Name() string { return "api" }

// Handler returns the root HTTP handler.
func (a *API) Handler() http.Handler { return a.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (a *API) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.addr,
		Handler:           a.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.logger.Info("API server started", "addr", a.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.Info("API server stopping")
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// requireViewer resolves the caller from X-Viewer-ID and stores the
// identity on the echo context under "viewer".
func (a *API) requireViewer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := WithViewerID(req.Context(), req.Header.Get(HeaderViewer))
		who, err := a.identity.CurrentViewer(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unknown viewer")
		}
		c.SetRequest(req.WithContext(ctx))
		c.Set("viewer", who)
		return next(c)
	}
}

// viewerRateLimiter throttles per viewer id. It runs after requireViewer so
// the header it keys on is already known to be valid.
func viewerRateLimiter(perSecond float64) echo.MiddlewareFunc {
	burst := max(int(perSecond), 1)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.Request().Header.Get(HeaderViewer), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

func viewer(c echo.Context) domain.Identity {
	who, _ := c.Get("viewer").(domain.Identity)
	return who
}

// handleError maps domain errors onto status codes with a {"error": ...} body.
func (a *API) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		msg = fmt.Sprint(he.Message)
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	default:
		a.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
		msg = "internal error"
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}

// Health returns health status.
func (a *API) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *API) ListParticipants(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"participants": a.store.Participants()})
}

func (a *API) Unread(c echo.Context) error {
	counts, err := a.store.UnreadCounts(c.Request().Context(), viewer(c).ID)
	if err != nil {
		return err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return c.JSON(http.StatusOK, map[string]any{"total": total, "counts": counts})
}

// ListConversations serves ?q= free text search or ?filter= with its
// role / context_type argument. Free text wins when both are given.
func (a *API) ListConversations(c echo.Context) error {
	q := search.Query{
		Text: c.QueryParam("q"),
		Filter: search.Filter{
			Kind:        search.FilterKind(c.QueryParam("filter")),
			Role:        domain.Role(c.QueryParam("role")),
			ContextType: domain.ContextType(c.QueryParam("context_type")),
		},
	}
	convs, err := a.search.Search(c.Request().Context(), viewer(c).ID, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": convs})
}

type createConversationRequest struct {
	ParticipantIDs []string               `json:"participant_ids"`
	Context        *domain.ContextBinding `json:"context,omitempty"`
}

// CreateConversation finds or creates the conversation among the given
// participants. The viewer is always included.
func (a *API) CreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	who := viewer(c)
	ids := req.ParticipantIDs
	if !slices.Contains(ids, who.ID) {
		ids = append([]string{who.ID}, ids...)
	}

	ctx := c.Request().Context()
	conv, created, err := a.store.FindOrCreateConversation(ctx, ids, req.Context)
	if err != nil {
		return err
	}
	if conv, err = a.store.ConversationFor(ctx, conv.ID, who.ID); err != nil {
		return err
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return c.JSON(code, conv)
}

func (a *API) GetConversation(c echo.Context) error {
	conv, err := a.store.ConversationFor(c.Request().Context(), c.Param("id"), viewer(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

type sendMessageRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// SendMessage appends a message and returns it in the sending state; delivery
// continues in the background.
func (a *API) SendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	ctx := c.Request().Context()
	who := viewer(c)
	if _, err := a.store.ConversationFor(ctx, c.Param("id"), who.ID); err != nil {
		return err
	}
	msg, err := a.store.AppendMessage(ctx, c.Param("id"), who.ID, req.Text, req.Attachments)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, msg)
}

func (a *API) MarkRead(c echo.Context) error {
	n, err := a.store.MarkConversationRead(c.Request().Context(), c.Param("id"), viewer(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"read": n})
}

// checkMember hides conversations the viewer is not part of.
func (a *API) checkMember(c echo.Context) error {
	_, err := a.store.ConversationFor(c.Request().Context(), c.Param("id"), viewer(c).ID)
	return err
}

func (a *API) GetContext(c echo.Context) error {
	if err := a.checkMember(c); err != nil {
		return err
	}
	b, err := a.binder.GetContext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"context": b})
}

func (a *API) BindContext(c echo.Context) error {
	if err := a.checkMember(c); err != nil {
		return err
	}
	var b domain.ContextBinding
	if err := c.Bind(&b); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	if err := a.binder.BindContext(c.Request().Context(), c.Param("id"), b); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"context": b})
}

func (a *API) Summary(c echo.Context) error {
	if err := a.checkMember(c); err != nil {
		return err
	}
	s, err := a.binder.Summary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

type openContextRequest struct {
	ParticipantIDs []string              `json:"participant_ids"`
	Context        domain.ContextBinding `json:"context"`
	Text           string                `json:"text,omitempty"`
}

// OpenContext starts or resumes a context-bound conversation, posting Text
// as the viewer's opening message when the conversation is new.
func (a *API) OpenContext(c echo.Context) error {
	var req openContextRequest
	if err := c.Bind(&req); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	who := viewer(c)
	ids := req.ParticipantIDs
	if !slices.Contains(ids, who.ID) {
		ids = append([]string{who.ID}, ids...)
	}
	conv, msg, err := a.binder.Open(c.Request().Context(), binding.OpenRequest{
		ParticipantIDs: ids,
		Context:        req.Context,
		SenderID:       who.ID,
		Text:           req.Text,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"conversation": conv, "opening_message": msg})
}

// Draft suggests an opening message for ?type=&subject=.
func (a *API) Draft(c echo.Context) error {
	b := domain.ContextBinding{
		Type:      domain.ContextType(c.QueryParam("type")),
		SubjectID: strings.TrimSpace(c.QueryParam("subject")),
	}
	if !b.Type.Valid() || b.SubjectID == "" {
		return &domain.ValidationError{Field: "context", Reason: "type and subject are required"}
	}
	return c.JSON(http.StatusOK, map[string]string{"text": a.binder.Draft(c.Request().Context(), b)})
}
