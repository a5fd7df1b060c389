package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vanish/internal/metrics"
	"github.com/MarcoPoloResearchLab/vanish/internal/realtime"
	"github.com/MarcoPoloResearchLab/vanish/internal/threads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	threadPathPrefix    = "/thread/"
	maxCreateBodyBytes  = 4 << 10
	errorThreadNotFound = "Thread not found or expired"
	errorCreateFailed   = "Failed to create thread"
	errorLoadFailed     = "Failed to load thread"
	errorDeleteFailed   = "Failed to delete thread"
	errorRateLimited    = "Too many requests, please try again later."
	healthRoute         = "/healthz"
	metricsRoute        = "/metrics"
)

var (
	errMissingThreadsService = errors.New("threads service dependency required")
	errMissingCoordinator    = errors.New("realtime coordinator dependency required")
)

// ThreadReader is the read side of the thread service used by the control plane.
type ThreadReader interface {
	Get(ctx context.Context, threadID threads.ThreadID) (threads.Snapshot, bool, error)
	StoreName() string
}

type Dependencies struct {
	Threads     ThreadReader
	Coordinator *realtime.Coordinator
	Metrics     *metrics.Collectors
	Logger      *zap.Logger
	// PublicBaseURL overrides the scheme and host used for invite links.
	PublicBaseURL string
	HSTS          bool
	RateLimit     RateLimitConfig
	// AllowedOrigins restricts CORS and WebSocket origins; empty allows any.
	AllowedOrigins []string
	// TrustedProxies lists proxy IPs or CIDRs whose forwarding headers are
	// honoured. Empty trusts none and uses the socket peer address.
	TrustedProxies []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Threads == nil {
		return nil, errMissingThreadsService
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	trustedProxies, err := parseTrustedProxies(deps.TrustedProxies)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(requestMetrics(deps.Metrics))
	}
	router.Use(securityHeaders(deps.HSTS))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		threads:        deps.Threads,
		coordinator:    deps.Coordinator,
		logger:         logger,
		publicBaseURL:  strings.TrimRight(deps.PublicBaseURL, "/"),
		upgrader:       newUpgrader(deps.AllowedOrigins),
		trustedProxies: trustedProxies,
	}

	router.GET(healthRoute, handler.handleHealth)
	if deps.Metrics != nil {
		router.GET(metricsRoute, gin.WrapH(deps.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.Use(rateLimit(newLimiterPool(deps.RateLimit)))
	api.POST("/thread", handler.handleCreateThread)
	api.GET("/thread/:id", handler.handleGetThread)
	api.DELETE("/thread/:id", handler.handleDeleteThread)
	api.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	threads        ThreadReader
	coordinator    *realtime.Coordinator
	logger         *zap.Logger
	publicBaseURL  string
	upgrader       realtimeUpgrader
	trustedProxies []netip.Prefix
}

type createThreadResponse struct {
	Success   bool   `json:"success"`
	ThreadID  string `json:"threadId"`
	InviteURL string `json:"inviteUrl"`
	ExpiresIn int64  `json:"expiresIn"`
}

type threadView struct {
	threads.Thread
	TimeLeft int64 `json:"timeLeft"`
}

type getThreadResponse struct {
	Success bool       `json:"success"`
	Thread  threadView `json:"thread"`
}

func (h *httpHandler) handleCreateThread(c *gin.Context) {
	timerHours := parseTimerHours(c.Request.Body)

	thread, err := h.coordinator.CreateThread(c.Request.Context(), timerHours)
	if err != nil {
		h.logger.Error("failed to create thread", zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorCreateFailed)
		return
	}

	c.JSON(http.StatusOK, createThreadResponse{
		Success:   true,
		ThreadID:  thread.ID,
		InviteURL: h.inviteURL(c, thread.ID),
		ExpiresIn: thread.TTL().Milliseconds(),
	})
}

func (h *httpHandler) handleGetThread(c *gin.Context) {
	threadID, err := threads.NewThreadID(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, errorThreadNotFound)
		return
	}

	snapshot, found, err := h.threads.Get(c.Request.Context(), threadID)
	if err != nil {
		h.logger.Error("failed to load thread", zap.String("thread_id", threadID.String()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorLoadFailed)
		return
	}
	if !found {
		respondError(c, http.StatusNotFound, errorThreadNotFound)
		return
	}

	c.JSON(http.StatusOK, getThreadResponse{
		Success: true,
		Thread: threadView{
			Thread:   snapshot.Thread,
			TimeLeft: snapshot.TimeLeft.Milliseconds(),
		},
	})
}

func (h *httpHandler) handleDeleteThread(c *gin.Context) {
	threadID, err := threads.NewThreadID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	if _, err := h.coordinator.DeleteThread(c.Request.Context(), threadID); err != nil {
		h.logger.Error("failed to delete thread", zap.String("thread_id", threadID.String()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorDeleteFailed)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"store":  h.threads.StoreName(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *httpHandler) inviteURL(c *gin.Context, threadID string) string {
	base := h.publicBaseURL
	if base == "" {
		request := c.Request
		scheme := "http"
		if request.TLS != nil {
			scheme = "https"
		}
		if h.fromTrustedProxy(c) {
			switch forwarded := strings.ToLower(strings.TrimSpace(strings.Split(request.Header.Get("X-Forwarded-Proto"), ",")[0])); forwarded {
			case "http", "https":
				scheme = forwarded
			}
		}
		base = scheme + "://" + request.Host
	}
	return base + threadPathPrefix + threadID
}

// fromTrustedProxy reports whether the socket peer is a configured proxy.
func (h *httpHandler) fromTrustedProxy(c *gin.Context) bool {
	if len(h.trustedProxies) == 0 {
		return false
	}
	peer, err := netip.ParseAddr(c.RemoteIP())
	if err != nil {
		return false
	}
	peer = peer.Unmap()
	for _, prefix := range h.trustedProxies {
		if prefix.Contains(peer) {
			return true
		}
	}
	return false
}

func parseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}

// leadingInteger matches the integer prefix of a string such as "5abc" or " 12h".
var leadingInteger = regexp.MustCompile(`^\s*[+-]?\d+`)

// parseTimerHours reads {"timerHours": n} leniently. Missing or unparseable
// values fall back to the default. Numbers are floored, strings contribute
// their leading integer, and both are clamped.
func parseTimerHours(body io.Reader) int {
	if body == nil {
		return threads.DefaultTimerHours
	}
	var request struct {
		TimerHours json.RawMessage `json:"timerHours"`
	}
	if err := json.NewDecoder(io.LimitReader(body, maxCreateBodyBytes)).Decode(&request); err != nil {
		return threads.DefaultTimerHours
	}
	if len(request.TimerHours) == 0 || string(request.TimerHours) == "null" {
		return threads.DefaultTimerHours
	}

	var value float64
	var number float64
	var text string
	switch {
	case json.Unmarshal(request.TimerHours, &number) == nil:
		value = number
	case json.Unmarshal(request.TimerHours, &text) == nil:
		match := leadingInteger.FindString(text)
		if match == "" {
			return threads.DefaultTimerHours
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(match), 64)
		if err != nil {
			return threads.DefaultTimerHours
		}
		value = parsed
	default:
		return threads.DefaultTimerHours
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return threads.DefaultTimerHours
	}

	floored := math.Floor(value)
	if floored < threads.MinTimerHours {
		return threads.MinTimerHours
	}
	if floored > threads.MaxTimerHours {
		return threads.MaxTimerHours
	}
	return threads.ClampTimerHours(int(floored))
}
