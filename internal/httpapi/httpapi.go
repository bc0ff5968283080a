package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/service"
)

const (
	actorKey     = "actor"
	maxBodyBytes = 1 << 20
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	serviceName   string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte

	once   sync.Once
	engine *gin.Engine
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, serviceName string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		log.Printf("[httpapi] WARN: crypto/rand failed, using fallback csrf secret: %v", err)
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	if serviceName == "" {
		serviceName = "possettle"
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		serviceName:   serviceName,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for an hour bucket
// (Unix time truncated to the hour).
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

// Handler returns the gin engine, built once.
func (a *API) Handler() http.Handler {
	a.once.Do(func() { a.engine = a.buildEngine() })
	return a.engine
}

func (a *API) buildEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(a.serviceName))
	r.Use(requestLogger())
	r.Use(securityHeaders())
	r.Use(cors.New(corsConfig(a.allowedOrigin)))
	r.Use(limitBody())
	r.Use(a.csrfGuard())

	r.GET("/healthz", a.handleHealth)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", a.handleLogin)
	v1.GET("/auth/csrf-token", a.handleCSRFToken)

	authed := v1.Group("")
	authed.Use(a.requireAuth())

	authed.GET("/products", a.handleListProducts)
	authed.POST("/products", a.handleCreateProduct)
	authed.PATCH("/products/:id", a.handleUpdateProduct)
	authed.POST("/products/:id/adjustments", a.handleAdjustStock)
	authed.GET("/products/:id/movements", a.handleStockMovements)
	authed.GET("/reports/low-stock", a.handleLowStock)

	authed.GET("/me/shift", a.handleMyShift)
	authed.POST("/me/shift", a.handleStartShift)
	authed.POST("/me/shift/close", a.handleCloseShift)
	authed.GET("/shifts", a.handleListShifts)
	authed.GET("/shifts/:id", a.handleGetShift)

	authed.POST("/sales", a.handleCommitSale)
	authed.GET("/sales", a.handleListSales)
	authed.GET("/sales/:id", a.handleGetSale)
	authed.DELETE("/sales/:id", a.handleReverseSale)

	authed.GET("/audit-logs", a.handleAuditLogs)

	admin := authed.Group("")
	admin.Use(requireRole(domain.RoleAdmin))
	admin.GET("/users/cashiers", a.handleListCashiers)
	admin.POST("/users/cashiers", a.handleCreateCashier)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, errors.New("route not found"))
	})
	return r
}

func corsConfig(allowedOrigin string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", "X-CSRF-Token"},
		MaxAge:       12 * time.Hour,
	}
	if allowedOrigin == "" || allowedOrigin == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = []string{allowedOrigin}
	}
	return cfg
}

func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeError(c, http.StatusUnauthorized, err)
			return
		}

		c.Set(actorKey, actor)
		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFrom(c)
		for _, role := range roles {
			if actor.Role == role {
				c.Next()
				return
			}
		}
		writeError(c, http.StatusForbidden, errors.New("forbidden role"))
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{}
}

// csrfExemptPaths are called before a client can fetch a token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// csrfGuard enforces X-CSRF-Token on state-changing methods.
func (a *API) csrfGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			c.Next()
			return
		}
		for _, exempt := range csrfExemptPaths {
			if c.Request.URL.Path == exempt {
				c.Next()
				return
			}
		}
		if !a.validateCSRFToken(strings.TrimSpace(c.GetHeader("X-CSRF-Token"))) {
			writeError(c, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		c.Next()
	}
}

func limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()
		log.Printf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(startedAt))
	}
}

// decodeJSON rejects unknown fields and trailing garbage.
func decodeJSON(c *gin.Context, dest any) error {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return err
	}
	return nil
}

var errBodyTooLarge = errors.New("request body too large")

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func bindError(c *gin.Context, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(c, http.StatusRequestEntityTooLarge, err)
		return
	}
	writeError(c, http.StatusBadRequest, err)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var (
		invalidCart   *domain.InvalidCartError
		invalidInput  *domain.InvalidInputError
		forbidden     *domain.ForbiddenError
		saleNotFound  *domain.SaleNotFoundError
		shiftNotFound *domain.ShiftNotFoundError
		noProduct     *domain.ProductNotFoundError
		noShift       *domain.NoActiveShiftError
		alreadyOpen   *domain.ShiftAlreadyOpenError
		notOpen       *domain.ShiftNotOpenError
		closed        *domain.ShiftClosedError
		notInShift    *domain.SaleNotInShiftError
		mismatch      *domain.PaymentMismatchError
		insufficient  *domain.InsufficientStockError
	)
	switch {
	case errors.As(err, &invalidCart), errors.As(err, &invalidInput):
		return http.StatusBadRequest
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &saleNotFound), errors.As(err, &shiftNotFound), errors.As(err, &noProduct):
		return http.StatusNotFound
	case errors.As(err, &noShift), errors.As(err, &alreadyOpen), errors.As(err, &notOpen),
		errors.As(err, &closed), errors.As(err, &notInShift), errors.Is(err, errUsernameTaken):
		return http.StatusConflict
	case errors.As(err, &mismatch), errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(c *gin.Context, err error) {
	status := statusFor(err)
	var mismatch *domain.PaymentMismatchError
	if errors.As(err, &mismatch) {
		c.AbortWithStatusJSON(status, gin.H{
			"error":          err.Error(),
			"expected_minor": mismatch.ExpectedMinor,
			"actual_minor":   mismatch.ActualMinor,
			"shortfall":      mismatch.Shortfall(),
		})
		return
	}
	writeError(c, status, err)
}

func writeError(c *gin.Context, status int, err error) {
	// 5xx bodies carry a generic message; the cause is only logged.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
