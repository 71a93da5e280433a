package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/whisthq/whist/backend/fleet/auth"
	"github.com/whisthq/whist/backend/fleet/constants"
	"github.com/whisthq/whist/backend/fleet/httputils"
	"github.com/whisthq/whist/backend/fleet/scaling-service/config"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/metrics"
	algos "github.com/whisthq/whist/backend/fleet/scaling-service/scaling_algorithms/default"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
	"golang.org/x/time/rate"
)

// scalingAlgorithm is the part of the scaling algorithm the HTTP server uses.
type scalingAlgorithm interface {
	MandelboxAssign(context.Context, algos.AssignRequest) (algos.AssignResult, error)
	Heartbeat(context.Context, dbclient.Heartbeat) (dbclient.HostStatus, error)
	ActiveRegions(context.Context) ([]string, error)
	EnqueueRollout(algos.RolloutRequest) (string, error)
}

// rolloutScope is the access token scope required to start a rollout.
const rolloutScope = "backend"

// tokenVerifier validates user access tokens.
type tokenVerifier interface {
	Verify(string) (*auth.WhistClaims, error)
}

// httpServer holds everything the endpoints need. A nil verifier skips
// token validation, which is only done on localdev.
type httpServer struct {
	algorithm scalingAlgorithm
	config    config.Config
	verifier  tokenVerifier
	limiter   *ipRateLimiter
	// fetchManifest downloads rollout manifests stored on S3.
	fetchManifest manifestFetcher
}

func newHTTPServer(algorithm scalingAlgorithm, cfg config.Config, verifier tokenVerifier) *httpServer {
	return &httpServer{
		algorithm: algorithm,
		config:    cfg,
		verifier:  verifier,
		limiter:   newIPRateLimiter(cfg.AssignRatePerMinute),

		fetchManifest: s3Fetch,
	}
}

// handler returns the multiplexer with every endpoint and its middleware.
func (s *httpServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/regions", httputils.EnableCORS(s.regionsHandler))
	mux.HandleFunc("/mandelbox/assign", httputils.EnableCORS(s.throttleMiddleware(s.mandelboxAssignHandler)))
	mux.HandleFunc("/heartbeat", s.heartbeatHandler)
	mux.HandleFunc("/rollout", s.rolloutHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// authenticate verifies the access token of a request. It responds with a
// 401 and returns false if the token is missing or invalid.
func (s *httpServer) authenticate(w http.ResponseWriter, r *http.Request) (*auth.WhistClaims, bool) {
	if s.verifier == nil {
		claims := &auth.WhistClaims{SubscriptionStatus: "active", Scopes: auth.Scopes{rolloutScope}}
		claims.Subject = constants.LocalDevUserID
		return claims, true
	}

	accessToken, err := httputils.GetAccessToken(r)
	if err != nil {
		logger.Warningf("Received a request on %s without an access token: %s", r.URL, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := s.verifier.Verify(accessToken)
	if err != nil {
		logger.Warningf("Received an unpermissioned backend request on %s to URL %s: %s", r.Host, r.URL, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func (s *httpServer) regionsHandler(w http.ResponseWriter, r *http.Request) {
	if err := httputils.VerifyRequestType(w, r, http.MethodGet); err != nil {
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	regions, err := s.algorithm.ActiveRegions(r.Context())
	if err != nil {
		logger.Errorf("Failed to get active regions: %s", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if regions == nil {
		regions = []string{}
	}
	httputils.WriteJSON(w, http.StatusOK, regions)
}

func (s *httpServer) mandelboxAssignHandler(w http.ResponseWriter, r *http.Request) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if s.config.RequireSubscription && !claims.HasActiveSubscription() {
		logger.Warningf("User %s does not have an active subscription.", claims.UserID())
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		return
	}

	var reqdata httputils.MandelboxAssignRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Warningf("Failed to parse assign request: %s", err)
		return
	}

	result, err := s.algorithm.MandelboxAssign(r.Context(), algos.AssignRequest{
		Region:     reqdata.RequestedRegion(),
		CommitHash: reqdata.CommitHash,
		UserID:     claims.UserID(),
		Version:    reqdata.Version,
		UserEmail:  reqdata.UserEmail,
	})

	var placementErr *algos.PlacementError
	switch {
	case err == nil:
		httputils.WriteJSON(w, http.StatusAccepted, httputils.MandelboxAssignRequestResult{
			IP:          result.IP,
			MandelboxID: result.MandelboxID.String(),
		})
	case errors.As(err, &placementErr):
		writeAssignError(w, string(placementErr.Code))
	default:
		logger.Errorf("Unexpected error assigning a mandelbox: %s", err)
		writeAssignError(w, string(algos.ServiceUnavailable))
	}
}

func writeAssignError(w http.ResponseWriter, code string) {
	httputils.WriteJSON(w, http.StatusServiceUnavailable, httputils.MandelboxAssignRequestResult{
		IP:          httputils.UnavailableValue,
		MandelboxID: httputils.UnavailableValue,
		ErrorCode:   code,
	})
}

func (s *httpServer) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	if !s.verifyAgentToken(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var reqdata httputils.HeartbeatRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Warningf("Failed to parse heartbeat: %s", err)
		return
	}

	hb := dbclient.Heartbeat{
		HostName:      reqdata.HostName,
		IP:            reqdata.IP,
		Capacity:      reqdata.Capacity,
		AssignedCount: reqdata.AssignedCount,
	}
	for _, m := range reqdata.Mandelboxes {
		hb.Mandelboxes = append(hb.Mandelboxes, dbclient.MandelboxReport{
			ID:     m.MandelboxID,
			Status: dbclient.MandelboxStatus(m.Status),
		})
	}

	status, err := s.algorithm.Heartbeat(r.Context(), hb)
	if errors.Is(err, dbclient.ErrHostNotFound) {
		http.Error(w, "Unknown host", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorf("Failed to process heartbeat of host %s: %s", reqdata.HostName, err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	httputils.WriteJSON(w, http.StatusOK, httputils.HeartbeatRequestResult{Status: string(status)})
}

// rolloutHandler queues a rollout of new images on the scaling algorithm.
// Only backend tokens may start one.
func (s *httpServer) rolloutHandler(w http.ResponseWriter, r *http.Request) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !claims.VerifyScope(rolloutScope) {
		logger.Warningf("Token of %s is missing the %s scope needed to start a rollout.", claims.UserID(), rolloutScope)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	var reqdata httputils.RolloutRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Warningf("Failed to parse rollout request: %s", err)
		return
	}

	req := algos.RolloutRequest{CommitHash: reqdata.CommitHash, RegionImages: reqdata.RegionImages}
	if reqdata.Manifest != "" {
		// Only manifests on S3 can be requested remotely.
		if !strings.HasPrefix(reqdata.Manifest, "s3://") {
			http.Error(w, "Manifest must be an s3:// URL", http.StatusBadRequest)
			return
		}
		var err error
		req, err = loadRolloutManifest(r.Context(), reqdata.Manifest, s.fetchManifest)
		if err != nil {
			logger.Errorf("Failed to load rollout manifest: %s", err)
			http.Error(w, "Invalid rollout manifest", http.StatusBadRequest)
			return
		}
	}

	id, err := s.algorithm.EnqueueRollout(req)
	switch {
	case err == nil:
		httputils.WriteJSON(w, http.StatusAccepted, httputils.RolloutRequestResult{EventID: id})
	case errors.Is(err, algos.ErrInvalidRollout):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, algos.ErrRolloutInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Errorf("Failed to queue rollout of commit %s: %s", req.CommitHash, err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	}
}

// verifyAgentToken checks the shared token host agents authenticate with.
func (s *httpServer) verifyAgentToken(r *http.Request) bool {
	if s.config.HostServiceAuthToken == "" {
		return s.verifier == nil
	}
	token, err := httputils.GetAccessToken(r)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.HostServiceAuthToken)) == 1
}

// throttleMiddleware will limit requests on the endpoint using a rate limiter
// per client IP. It uses a token bucket algorithm, so that every interval of
// time the "bucket" will refill and continue to serve tokens up to a maximum
// defined by the burst capacity. In case the limit is exceeded, return a http
// 429 error (too many requests).
func (s *httpServer) throttleMiddleware(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		f(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterIdleTimeout is how long a client can go without requests before its
// limiter is forgotten.
const limiterIdleTimeout = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

func newIPRateLimiter(perMinute int) *ipRateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &ipRateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTimeout {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTimeout {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// StartHTTPServer serves the endpoints until the context is cancelled, then
// shuts the server down gracefully.
func StartHTTPServer(globalCtx context.Context, goroutineTracker *sync.WaitGroup, s *httpServer) {
	addr := utils.Sprintf("0.0.0.0:%d", s.config.HTTPPort)
	logger.Infof("Starting HTTP server on %s...", addr)

	// Add timeouts to help mitigate potential rogue clients
	// or DDOS attacks.
	srv := &http.Server{
		Addr:         addr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      s.handler(),
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server failed: %s", err)
		}
	}()

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		<-globalCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Failed to shut down HTTP server: %s", err)
		}
		logger.Info("HTTP server stopped.")
	}()
}
