// Package backendstub is an in-memory implementation of the dialer's
// backend API. It backs the integration tests and the dialmate-backend
// development server.
package backendstub

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sweeney/dialmate/internal/logger"
)

// Options configures a Server.
type Options struct {
	Secret        string
	Issuer        string
	VoiceTokenTTL time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// CallRecord is a stored call.
type CallRecord struct {
	ID          int64
	UserID      string
	PhoneNumber string
	Status      string
	Duration    int
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// StatusUpdate is one accepted POST /api/update-call-status/.
type StatusUpdate struct {
	CallID   int64
	Status   string
	Duration int
}

// Server is the in-memory backend.
type Server struct {
	signer   *signer
	voiceTTL time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	nextID   int64
	calls    map[int64]*CallRecord
	order    []int64
	contacts map[string]string
	creates  int
	updates  []StatusUpdate
	history  int
	tokens   int
	failures map[string]int
}

// New creates a Server. A random secret is generated when none is given.
func New(opts Options) *Server {
	if opts.Secret == "" {
		opts.Secret = uuid.NewString()
	}
	if opts.Issuer == "" {
		opts.Issuer = "dialmate-backend"
	}
	if opts.VoiceTokenTTL <= 0 {
		opts.VoiceTokenTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		signer:   &signer{secret: []byte(opts.Secret), issuer: opts.Issuer, now: opts.Now},
		voiceTTL: opts.VoiceTokenTTL,
		log:      logger.OrDefault(opts.Logger),
		now:      opts.Now,
		calls:    make(map[int64]*CallRecord),
		contacts: make(map[string]string),
		failures: make(map[string]int),
	}
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLog(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(s.requireAccessToken())
	api.Use(s.injectFailures())
	{
		api.GET("/twilio-token/", s.handleVoiceToken)
		api.POST("/make-call/", s.handleMakeCall)
		api.POST("/update-call-status/", s.handleUpdateStatus)
		api.GET("/call-history/", s.handleCallHistory)
	}
	return r
}

// IssueAccessToken mints a bearer token for userID.
func (s *Server) IssueAccessToken(userID string) (string, error) {
	return s.signer.issue(userID, tokenTypeAccess, 24*time.Hour)
}

// IssueExpiredAccessToken mints a bearer token that is already expired.
func (s *Server) IssueExpiredAccessToken(userID string) (string, error) {
	return s.signer.issue(userID, tokenTypeAccess, -time.Hour)
}

// Fail makes every request to path answer with status until cleared
// with status 0. path is the full route, e.g. "/api/make-call/".
func (s *Server) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

// SetContact attaches a contact name to a phone number in history.
func (s *Server) SetContact(number, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[number] = name
}

// Creates returns how many call records were created.
func (s *Server) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Updates returns a copy of all accepted status updates.
func (s *Server) Updates() []StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

// HistoryFetches returns how many times call history was requested.
func (s *Server) HistoryFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history
}

// TokensIssued returns how many voice tokens were handed out.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

// Calls returns the stored call records, newest first.
func (s *Server) Calls() []CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, *s.calls[s.order[i]])
	}
	return out
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		status := s.failures[c.FullPath()]
		s.mu.Unlock()
		if status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
			return
		}
		c.Next()
	}
}

func (s *Server) handleVoiceToken(c *gin.Context) {
	tok, err := s.signer.issue(c.GetString(ctxUserID), tokenTypeVoice, s.voiceTTL)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	s.mu.Lock()
	s.tokens++
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

type makeCallBody struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
	Duration    int    `json:"duration"`
}

func (s *Server) handleMakeCall(c *gin.Context) {
	var body makeCallBody
	if err := c.ShouldBindJSON(&body); err != nil || body.PhoneNumber == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number is required"})
		return
	}

	now := s.now().UTC()
	s.mu.Lock()
	s.nextID++
	rec := &CallRecord{
		ID:          s.nextID,
		UserID:      c.GetString(ctxUserID),
		PhoneNumber: body.PhoneNumber,
		Status:      body.Status,
		Duration:    body.Duration,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	s.calls[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.creates++
	s.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{"call_id": rec.ID, "status": rec.Status})
}

type updateBody struct {
	CallID   any    `json:"call_id"`
	Status   string `json:"status"`
	Duration int    `json:"duration"`
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	var body updateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	id, ok := parseID(body.CallID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id is required"})
		return
	}

	s.mu.Lock()
	rec, found := s.calls[id]
	if !found || rec.UserID != c.GetString(ctxUserID) {
		s.mu.Unlock()
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	rec.Status = body.Status
	rec.Duration = body.Duration
	rec.UpdatedAt = s.now().UTC()
	s.updates = append(s.updates, StatusUpdate{CallID: id, Status: body.Status, Duration: body.Duration})
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Call status updated"})
}

func (s *Server) handleCallHistory(c *gin.Context) {
	user := c.GetString(ctxUserID)

	s.mu.Lock()
	s.history++
	out := make([]gin.H, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.calls[s.order[i]]
		if rec.UserID != user {
			continue
		}
		item := gin.H{
			"id":           rec.ID,
			"phone_number": rec.PhoneNumber,
			"status":       rec.Status,
			"started_at":   rec.StartedAt.Format(time.RFC3339),
			"duration":     rec.Duration,
		}
		if name, ok := s.contacts[rec.PhoneNumber]; ok {
			item["contact_name"] = name
		}
		out = append(out, item)
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, out)
}

func parseID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), id > 0
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}
