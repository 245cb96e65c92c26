package handler

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/OmarB97/trynano-server/internal/metrics"
	"github.com/OmarB97/trynano-server/internal/util"
)

const captchaHeader = "x-recaptcha"

// CaptchaValidator verifies a client's captcha token.
type CaptchaValidator interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// HealthChecker reports unhealthy dependencies by name.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// ConfigErr, when set, turns every request into a 500 naming the
	// missing configuration.
	ConfigErr error
	Captcha   CaptchaValidator
	Health    HealthChecker
	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies []netip.Prefix
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(faucetHandler *FaucetHandler, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	router.Use(configGate(opts.ConfigErr, logger))
	router.Use(middleware.RequestID)
	router.Use(realIP(opts.TrustedProxies))
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		router.Use(middleware.Timeout(opts.RequestTimeout))
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:     origins,
		AllowedMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:     []string{"Accept", "Content-Type", captchaHeader},
		ExposedHeaders:     []string{"Retry-After"},
		MaxAge:             300,
		OptionsPassthrough: true,
	}))

	router.Use(answerOptions)

	router.Get("/health", healthHandler(opts.Health, logger))
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(requireCaptcha(opts.Captcha, logger))
		faucetHandler.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"error":"method not allowed"}`))
	})

	return router
}

// realIP replaces RemoteAddr with the forwarded client address when the
// connection comes from a trusted proxy. Other peers keep their own address
// so a client cannot choose the IP the faucet throttles.
func realIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedIP(r, trusted); ok {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy, falling back to X-Real-IP.
func forwardedIP(r *http.Request, trusted []netip.Prefix) (string, bool) {
	peer, err := netip.ParseAddr(util.ClientIP(r))
	if err != nil || !isTrusted(peer, trusted) {
		return "", false
	}

	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		hops := strings.Split(strings.Join(values, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				return "", false
			}
			if !isTrusted(addr, trusted) {
				return addr.Unmap().String(), true
			}
		}
		return "", false
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// answerOptions gives every OPTIONS request, preflight or not, an empty 200.
func answerOptions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func configGate(cfgErr error, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfgErr == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Error("Request refused, server is misconfigured", util.ErrorField(cfgErr))
			respondWithJSON(logger, w, http.StatusInternalServerError, errorResponse(cfgErr, "Server is misconfigured"))
		})
	}
}

// requireCaptcha rejects requests whose x-recaptcha token does not verify.
// A verifier outage is treated as a rejection.
func requireCaptcha(v CaptchaValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(r.Header.Get(captchaHeader))
			ok := false
			if token != "" && v != nil {
				var err error
				ok, err = v.Verify(r.Context(), token, util.ClientIP(r))
				if err != nil {
					logger.Warn("Captcha verification failed", util.ErrorField(err))
					ok = false
				}
			}
			if !ok {
				metrics.CaptchaRejections.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"success":false,"error":"captcha verification failed"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(checker HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var failing map[string]string
		if checker != nil {
			for name, err := range checker.HealthCheck(r.Context()) {
				if failing == nil {
					failing = make(map[string]string)
				}
				failing[name] = err.Error()
			}
		}
		if len(failing) > 0 {
			logger.Warn("Health check failed", util.Any("components", failing))
			respondWithJSON(logger, w, http.StatusServiceUnavailable, Response{
				Success: false,
				Data:    failing,
				Error:   "unhealthy",
				Message: "Service unhealthy",
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"trynano-server"}`))
	}
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := "unmatched"
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Int("status", status),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
