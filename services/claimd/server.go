package claimd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claimledger/middleware"
	"claimledger/observability"
	"claimledger/services/claimd/auth"
	"claimledger/services/claimd/authz"
)

const maxBodyBytes = 64 << 10

type ctxKey string

const addressKey ctxKey = "claimd.address"

// ServerConfig wires the claim service's collaborators. Auth, Sessions and
// Signer may be nil; the endpoints that need them then answer 503.
type ServerConfig struct {
	Ledger     *Ledger
	Calculator *Calculator
	Capper     *PoolCapper
	Auth       *auth.Authenticator
	Sessions   *auth.Sessions
	Signer     *authz.Signer
	CampaignID *big.Int
	RateLimit  middleware.RateLimit
	// Observability instruments each route; nil disables request metrics.
	Observability *middleware.Observability
	Metrics       *observability.ClaimMetrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server exposes the claim HTTP surface.
type Server struct {
	ledger     *Ledger
	calc       *Calculator
	capper     *PoolCapper
	auth       *auth.Authenticator
	sessions   *auth.Sessions
	signer     *authz.Signer
	campaignID *big.Int
	limiter    *middleware.RateLimiter
	obs        *middleware.Observability
	metrics    *observability.ClaimMetrics
	logger     *slog.Logger
	nowFn      func() time.Time
	router     chi.Router
}

// NewServer validates cfg and builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("ledger required")
	}
	if cfg.Calculator == nil {
		return nil, errors.New("calculator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	campaign := cfg.CampaignID
	if campaign == nil {
		campaign = new(big.Int)
	}
	s := &Server{
		ledger:     cfg.Ledger,
		calc:       cfg.Calculator,
		capper:     cfg.Capper,
		auth:       cfg.Auth,
		sessions:   cfg.Sessions,
		signer:     cfg.Signer,
		campaignID: new(big.Int).Set(campaign),
		obs:        cfg.Observability,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "http"),
		nowFn:      cfg.Now,
	}
	s.limiter = middleware.NewRateLimiter(cfg.RateLimit,
		middleware.WithKeyFunc(func(r *http.Request) string {
			if addr, ok := addressFrom(r.Context()); ok {
				return "addr:" + addr
			}
			return ""
		}),
		middleware.WithRateClock(s.now),
		middleware.WithRejectHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "CLM-429", "too many claim requests", "capacity", true)
		}),
	)
	s.router = s.routes()
	return s, nil
}

func (s *Server) now() time.Time {
	if s.nowFn == nil {
		return time.Now().UTC()
	}
	return s.nowFn().UTC()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/healthz", s.instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	if s.obs != nil {
		r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Method(http.MethodGet, "/auth/nonce", s.instrument("/auth/nonce", http.HandlerFunc(s.handleNonce)))
	r.Method(http.MethodPost, "/auth/verify", s.instrument("/auth/verify", http.HandlerFunc(s.handleVerify)))
	r.Method(http.MethodPost, "/auth/logout", s.instrument("/auth/logout", http.HandlerFunc(s.handleLogout)))
	r.Method(http.MethodGet, "/claim/signer", s.instrument("/claim/signer", http.HandlerFunc(s.handleSigner)))

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Method(http.MethodGet, "/claimable", s.instrument("/claimable", http.HandlerFunc(s.handleClaimable)))
		r.Method(http.MethodGet, "/claim/status", s.instrument("/claim/status", http.HandlerFunc(s.handleStatus)))
		r.Method(http.MethodPost, "/claim/confirm", s.instrument("/claim/confirm", http.HandlerFunc(s.handleConfirm)))
		r.Method(http.MethodPost, "/claim", s.instrument("/claim", s.limiter.Middleware(http.HandlerFunc(s.handleClaim))))
	})
	return r
}

func (s *Server) instrument(route string, next http.Handler) http.Handler {
	if s.obs == nil {
		return next
	}
	return s.obs.Middleware(route)(next)
}

// ServeHTTP dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "CLM-503", "session signing not configured", string(CategoryConfig), false)
			return
		}
		addr, err := s.sessions.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "CLM-401", "sign in required", string(CategoryAuth), false)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), addressKey, addr)))
	})
}

func addressFrom(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(addressKey).(string)
	return addr, ok && addr != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "CLM-503", "signing secret not configured", string(CategoryConfig), false)
		return
	}
	address := ""
	if raw := strings.TrimSpace(r.URL.Query().Get("address")); raw != "" {
		normalized, err := NormalizeAddress(raw)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		address = normalized
	}
	nonce, err := s.auth.IssueNonce(r.Context(), address)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nonce": nonce})
}

type verifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "CLM-503", "signing secret not configured", string(CategoryConfig), false)
		return
	}
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CLM-400", err.Error(), string(CategoryValidation), false)
		return
	}
	if req.Address != "" {
		if _, err := NormalizeAddress(req.Address); err != nil {
			s.writeFailure(w, err)
			return
		}
	}
	address, err := s.auth.SignIn(r.Context(), req.Message, req.Signature, req.Address)
	if err != nil {
		if Classify(err) == CategoryAuth {
			// Sign-in rejections are reported as bad requests; the client restarts with a new nonce.
			writeError(w, http.StatusBadRequest, "CLM-400", err.Error(), string(CategoryAuth), false)
			return
		}
		s.writeFailure(w, err)
		return
	}
	s.sessions.Set(w, address)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "address": address})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	if s.sessions != nil {
		s.sessions.Clear(w)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSigner(w http.ResponseWriter, _ *http.Request) {
	if s.signer == nil {
		writeError(w, http.StatusServiceUnavailable, "CLM-503", "claim signer not configured", string(CategoryConfig), false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signerAddress": s.signer.Address().Hex()})
}

func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	addr, _ := addressFrom(r.Context())
	claimable, err := s.calc.Claimable(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimable": FormatAmount(claimable)})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.ObserveClaim(time.Since(start)) }()

	if s.signer == nil {
		s.writeFailure(w, fmt.Errorf("%w: claim signer", ErrNotConfigured))
		return
	}
	ctx := r.Context()
	addr, _ := addressFrom(ctx)

	res, err := s.calc.Reserve(ctx, addr)
	if err != nil {
		s.writeClaimFailure(w, err)
		return
	}
	reserved := res.Nonce
	res, err = s.capper.Apply(ctx, addr, res)
	if err != nil {
		if !errors.Is(err, ErrPoolEmpty) {
			s.release(ctx, addr, reserved)
		}
		s.writeClaimFailure(w, err)
		return
	}
	signed, err := s.signer.Sign(authz.Claim{
		Recipient:  common.HexToAddress(addr),
		Amount:     res.Amount,
		Nonce:      new(big.Int).SetUint64(res.Nonce),
		Deadline:   big.NewInt(res.ExpiresAt.Unix()),
		CampaignID: s.campaignID,
	})
	if err != nil {
		s.release(ctx, addr, res.Nonce)
		s.logger.Error("sign claim failed", "address", addr, "nonce", res.Nonce, "error", err)
		writeError(w, http.StatusInternalServerError, "CLM-500", "failed to sign claim authorization", string(CategoryBackend), true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"amountWei":  FormatAmount(res.Amount),
		"nonce":      strconv.FormatUint(res.Nonce, 10),
		"v":          signed.V,
		"r":          authz.Hex(signed.R),
		"s":          authz.Hex(signed.S),
		"deadline":   res.ExpiresAt.Unix(),
		"campaignId": s.campaignID.String(),
	})
}

// release drops a reservation that will never be signed or sent so it does
// not stay charged until expiry.
func (s *Server) release(ctx context.Context, addr string, nonce uint64) {
	if nonce == 0 {
		return
	}
	if _, err := s.ledger.Release(context.WithoutCancel(ctx), addr, nonce); err != nil {
		s.logger.Warn("release reservation failed", "address", addr, "nonce", nonce, "error", err)
	}
}

type confirmRequest struct {
	Nonce     json.RawMessage `json:"nonce"`
	AmountWei string          `json:"amountWei"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	addr, _ := addressFrom(r.Context())
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "CLM-400", err.Error(), string(CategoryValidation), false)
		return
	}
	nonce, err := parseNonce(req.Nonce)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	amount, err := ParseAmount(req.AmountWei)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	ok, err := s.ledger.ConfirmReservation(r.Context(), addr, nonce, amount)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

func parseNonce(raw json.RawMessage) (uint64, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" {
		return 0, fmt.Errorf("%w: nonce required", ErrInvalidNonce)
	}
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNonce, text)
	}
	return n, nil
}

type pendingView struct {
	Nonce     string `json:"nonce"`
	AmountWei string `json:"amountWei"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	addr, _ := addressFrom(r.Context())
	acct, err := s.ledger.Account(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	pendings := make([]pendingView, 0, len(acct.Pendings))
	for _, p := range acct.Pendings {
		pendings = append(pendings, pendingView{
			Nonce:     strconv.FormatUint(p.Nonce, 10),
			AmountWei: FormatAmount(p.Amount),
			ExpiresAt: p.ExpiresAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":      addr,
		"claimedTotal": FormatAmount(acct.ClaimedTotal),
		"reserved":     FormatAmount(acct.Reserved),
		"pendings":     pendings,
	})
}

// writeClaimFailure reports capacity outcomes as a benign 200 so clients can
// show "nothing to claim" instead of an error.
func (s *Server) writeClaimFailure(w http.ResponseWriter, err error) {
	if Classify(err) != CategoryCapacity {
		s.writeFailure(w, err)
		return
	}
	message := "nothing to claim"
	switch {
	case errors.Is(err, ErrTooManyReservations):
		message = "an earlier claim is still pending; confirm it or wait for it to expire"
	case errors.Is(err, ErrPoolEmpty):
		message = "reward pool is temporarily empty"
	}
	writeError(w, http.StatusOK, "CLM-NOTHING", message, string(CategoryCapacity), Retryable(err))
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	category := Classify(err)
	status, code := http.StatusInternalServerError, "CLM-500"
	message := err.Error()
	switch category {
	case CategoryValidation:
		status, code = http.StatusBadRequest, "CLM-400"
	case CategoryAuth:
		status, code = http.StatusUnauthorized, "CLM-401"
	case CategoryNotFound:
		status, code = http.StatusNotFound, "CLM-404"
	case CategoryCapacity:
		status, code = http.StatusConflict, "CLM-409"
	case CategoryConfig:
		status, code = http.StatusServiceUnavailable, "CLM-503"
		message = "service not configured"
	default:
		s.logger.Error("request failed", "error", err)
		message = "storage unavailable, retry later"
		status = http.StatusServiceUnavailable
		code = "CLM-503"
	}
	writeError(w, status, code, message, string(category), Retryable(err))
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":{"code":"CLM-500","message":"failed to marshal response"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message, category string, retryable bool) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":      code,
			"message":   message,
			"category":  category,
			"retryable": retryable,
		},
	})
}
