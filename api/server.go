// Package api exposes the oracle over HTTP: a signed read endpoint for
// downstream pricing logic, an open submission endpoint, and health. Every
// response body is canonical JSON signed with the service's Ed25519 key; the
// verifying key is published on a well-known route.
package api

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/brics-protocol/nav-oracle/oracle"
)

var promAPIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nav",
	Subsystem: "api",
	Name:      "request_duration_seconds",
	Help:      "Duration of HTTP requests",
	Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1},
},
	[]string{"path"},
)

type ServerOpts struct {
	Logger logger.Logger
	Oracle *oracle.Oracle
	Addr   string
	// SigningKey signs every response payload.
	SigningKey ed25519.PrivateKey
}

func (o ServerOpts) verify() error {
	var errs []error
	if o.Logger == nil {
		errs = append(errs, errors.New("logger is required"))
	}
	if o.Oracle == nil {
		errs = append(errs, errors.New("oracle is required"))
	}
	if o.Addr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if len(o.SigningKey) != ed25519.PrivateKeySize {
		errs = append(errs, errors.New("a valid ed25519 signing key is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid API server configuration: %v", errs)
	}
	return nil
}

type Server struct {
	services.Service
	eng *services.Engine

	lggr       logger.Logger
	oracle     *oracle.Oracle
	addr       string
	signingKey ed25519.PrivateKey

	lis net.Listener
	srv *http.Server
}

func NewServer(opts ServerOpts) (*Server, error) {
	if err := opts.verify(); err != nil {
		return nil, err
	}
	s := &Server{
		lggr:       opts.Logger,
		oracle:     opts.Oracle,
		addr:       opts.Addr,
		signingKey: opts.SigningKey,
	}
	s.Service, s.eng = services.Config{
		Name:  "NAVAPIServer",
		Start: s.start,
		Close: s.close,
	}.NewServiceEngine(opts.Logger)
	return s, nil
}

// Addr returns the bound listen address, valid once the service has started.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

func (s *Server) start(context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.lis = lis
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.eng.Go(func(context.Context) {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.eng.Errorw("HTTP server exited with error", "err", err)
		}
	})
	return nil
}

func (s *Server) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Router builds the HTTP routes. Exposed so tests can drive handlers without
// binding a socket.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/nav", s.handleLatestNAV).Methods(http.MethodGet)
	apiV1.HandleFunc("/nav/submit", s.handleSubmit).Methods(http.MethodPost)
	apiV1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/.well-known/nav-oracle-pubkey", s.handlePubKey).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	r.Use(s.metricsMiddleware)
	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		// Label by route template, not the raw path, to keep series
		// cardinality bounded by the route table.
		path := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		promAPIRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

type navResponse struct {
	NavRay    string `json:"nav_ray"`
	Nav       string `json:"nav"`
	Timestamp uint64 `json:"ts"`
	Sequence  uint64 `json:"sequence"`
	ModelHash string `json:"model_hash"`
	Emergency bool   `json:"emergency"`
	Degraded  bool   `json:"degraded"`

	EmergencyAuthority string `json:"emergency_authority,omitempty"`
	EmergencyEnabledAt uint64 `json:"emergency_enabled_at,omitempty"`
}

func snapshotResponse(snap oracle.Snapshot) navResponse {
	resp := navResponse{
		NavRay:    snap.NavRay.String(),
		Nav:       oracle.RayToDecimal(snap.NavRay).String(),
		Timestamp: snap.Timestamp,
		Sequence:  snap.Sequence,
		ModelHash: snap.ModelHash.Hex(),
		Emergency: snap.Emergency,
		Degraded:  snap.Degraded,
	}
	if snap.Emergency {
		resp.EmergencyAuthority = snap.EmergencyAuthority.Hex()
		resp.EmergencyEnabledAt = snap.EmergencyEnabledAt
	}
	return resp
}

func (s *Server) handleLatestNAV(w http.ResponseWriter, r *http.Request) {
	s.writeSigned(w, http.StatusOK, snapshotResponse(s.oracle.LatestNAV()))
}

type submitRequest struct {
	NavRay     string   `json:"nav_ray"`
	AsOf       uint64   `json:"as_of"`
	Signatures []string `json:"signatures"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	navRay, ok := new(big.Int).SetString(req.NavRay, 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("nav_ray %q is not a base-10 integer", req.NavRay))
		return
	}
	sigs := make([][]byte, 0, len(req.Signatures))
	for _, h := range req.Signatures {
		sig, err := hexutil.Decode(h)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("signature %q is not valid hex: %w", h, err))
			return
		}
		sigs = append(sigs, sig)
	}

	if err := s.oracle.SubmitNAV(r.Context(), navRay, req.AsOf, sigs); err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	snap := s.oracle.LatestNAV()
	s.writeSigned(w, http.StatusOK, map[string]any{
		"status":   "committed",
		"sequence": snap.Sequence,
		"ts":       snap.Timestamp,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.oracle.LatestNAV()
	mode := "normal"
	switch {
	case snap.Emergency:
		mode = "emergency"
	case snap.Degraded:
		mode = "degraded"
	}
	s.writeSigned(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"mode":     mode,
		"sequence": snap.Sequence,
		"ts":       snap.Timestamp,
	})
}

func (s *Server) handlePubKey(w http.ResponseWriter, r *http.Request) {
	pub := s.signingKey.Public().(ed25519.PublicKey)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"ed25519_pubkey_hex": hex.EncodeToString(pub),
	}); err != nil {
		s.lggr.Errorw("Failed to write pubkey response", "err", err)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, oracle.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, oracle.ErrStaleOrReplay):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrQuorumNotMet),
		errors.Is(err, oracle.ErrDuplicateSignature),
		errors.Is(err, oracle.ErrInvalidSignature),
		errors.Is(err, oracle.ErrBadParam):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// envelope wraps every signed response: signature is over the canonical JSON
// rendering of data (sorted keys, compact separators).
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

func (s *Server) writeSigned(w http.ResponseWriter, status int, payload any) {
	canonical, sig, err := signPayload(s.signingKey, payload)
	if err != nil {
		s.lggr.Errorw("Failed to sign response payload", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{
		Data:      canonical,
		Signature: hex.EncodeToString(sig),
	}); err != nil {
		s.lggr.Errorw("Failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encErr != nil {
		s.lggr.Errorw("Failed to write error response", "err", encErr)
	}
}
