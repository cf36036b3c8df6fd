package server

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"storefront/channels/banktransfer"
	"storefront/channels/crypto"
	"storefront/channels/gateway"
	"storefront/identity"
	"storefront/models"
	"storefront/oracle"
	"storefront/settlement"
	"storefront/store"
	"storefront/wallet"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Store         *store.Store
	Coordinator   *settlement.Coordinator
	Gateway       *gateway.Channel
	BankTransfer  *banktransfer.Channel
	Crypto        *crypto.Channel
	Ledger        *wallet.Ledger
	Identity      *identity.Verifier
	WebhookSecret string
	Logger        *slog.Logger
}

// Server exposes the settlement HTTP API: charge creation, status polling,
// order payment, and the inbound gateway webhook.
type Server struct {
	db            *gorm.DB
	store         *store.Store
	coordinator   *settlement.Coordinator
	gateway       *gateway.Channel
	bankTransfer  *banktransfer.Channel
	crypto        *crypto.Channel
	ledger        *wallet.Ledger
	identity      *identity.Verifier
	webhookSecret []byte
	logger        *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	s := &Server{
		db:            cfg.DB,
		store:         cfg.Store,
		coordinator:   cfg.Coordinator,
		gateway:       cfg.Gateway,
		bankTransfer:  cfg.BankTransfer,
		crypto:        cfg.Crypto,
		ledger:        cfg.Ledger,
		identity:      cfg.Identity,
		webhookSecret: []byte(cfg.WebhookSecret),
		logger:        cfg.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.identity.Middleware)
		api.Use(func(next http.Handler) http.Handler { return WithIdempotency(s.db, next) })
		api.Post("/charges", s.CreateCharge)
		api.Get("/charges/{trackID}", s.ChargeStatus)
		api.Post("/orders", s.CreateOrder)
		api.Post("/orders/{id}/pay", s.PayOrder)
		api.Get("/wallet", s.WalletBalance)
	})

	// The gateway calls back without a session; a shared secret token guards
	// the route instead.
	r.Post("/webhooks/gateway", s.GatewayWebhook)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type chargeRequest struct {
	Amount  int64  `json:"amount"`
	Channel string `json:"channel"`
}

type intentResponse struct {
	TrackID       int64                  `json:"trackId"`
	Status        string                 `json:"status"`
	ChannelStatus string                 `json:"channelStatus,omitempty"`
	Channel       string                 `json:"channel"`
	Amount        int64                  `json:"amount"`
	ExpiresAt     string                 `json:"expiresAt,omitempty"`
	ExternalRef   string                 `json:"externalRef,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// CreateCharge opens a wallet top-up intent over the requested channel.
func (s *Server) CreateCharge(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid payload"))
		return
	}
	resp, status, err := s.openIntent(r, userID, models.PurposeWalletTopup, nil, models.Channel(req.Channel), req.Amount)
	if err != nil {
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

type orderRequest struct {
	Title  string `json:"title"`
	Amount int64  `json:"amount"`
}

// CreateOrder records a purchase order awaiting payment.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid payload"))
		return
	}
	order, err := s.store.CreateOrder(r.Context(), userID, req.Title, req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"orderId": order.ID.String(),
		"title":   order.Title,
		"amount":  order.Amount,
		"paid":    order.Paid,
	})
}

type payOrderRequest struct {
	Channel string `json:"channel"`
}

// PayOrder opens a purchase intent for an unpaid order over the requested
// channel.
func (s *Server) PayOrder(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid order id"))
		return
	}
	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if order.UserID != userID {
		s.writeError(w, http.StatusNotFound, store.ErrOrderNotFound)
		return
	}
	if order.Paid {
		s.writeError(w, http.StatusConflict, errors.New("order already paid"))
		return
	}
	var req payOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid payload"))
		return
	}
	resp, status, err := s.openIntent(r, userID, models.PurposePurchase, &order.ID, models.Channel(req.Channel), order.Amount)
	if err != nil {
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// openIntent validates the amount, freezes channel parameters, persists the
// pending intent, and builds the channel payload the client completes payment
// with. Validation failures happen before anything is written.
func (s *Server) openIntent(r *http.Request, userID uuid.UUID, purpose models.Purpose, orderID *uuid.UUID, channel models.Channel, amount int64) (*intentResponse, int, error) {
	ctx := r.Context()
	if err := s.store.ValidateAmount(channel, amount); err != nil {
		return nil, http.StatusBadRequest, err
	}
	params := store.CreateParams{
		UserID:  userID,
		Purpose: purpose,
		OrderID: orderID,
		Channel: channel,
		Amount:  amount,
	}
	payload := map[string]interface{}{}

	switch channel {
	case models.ChannelGateway:
		params.ChannelStatus = models.ChannelStatusAwaitingRedirect
	case models.ChannelBankTransfer:
		bp := s.bankTransfer.Start(amount)
		params.ChannelStatus = models.ChannelStatusAwaitingDeposit
		params.ExpiresAt = &bp.ExpiresAt
		payload["shabaNumber"] = bp.ShabaNumber
		payload["amount"] = bp.ExactAmount
		payload["expiresAt"] = bp.ExpiresAt.Format(time.RFC3339)
	case models.ChannelCrypto:
		cp, err := s.crypto.Quote(amount)
		if err != nil {
			if errors.Is(err, oracle.ErrPriceUnavailable) {
				return nil, http.StatusServiceUnavailable, err
			}
			return nil, http.StatusInternalServerError, err
		}
		params.ChannelStatus = models.ChannelStatusAwaitingTransfer
		params.ExpiresAt = &cp.ExpiresAt
		params.CryptoAmount = cp.CryptoAmount
		params.CryptoUnitPrice = cp.CryptoUnitPrice
		params.WalletAddress = cp.WalletAddress
		payload["walletAddress"] = cp.WalletAddress
		payload["cryptoAmount"] = cp.CryptoAmount
		payload["cryptoUnitPrice"] = cp.CryptoUnitPrice
		payload["expiresAt"] = cp.ExpiresAt.Format(time.RFC3339)
	}

	intent, err := s.store.CreateIntent(ctx, params)
	if err != nil {
		return nil, createStatus(err), err
	}

	if channel == models.ChannelGateway {
		redirectURL, err := s.gateway.Start(ctx, intent)
		if err != nil {
			return nil, http.StatusBadGateway, err
		}
		payload["redirectUrl"] = redirectURL
	}

	return intentToResponse(intent, payload), http.StatusCreated, nil
}

// ChargeStatus answers the client's status poll. The lazy expiry check and,
// for crypto, an inline chain refresh run before the answer so the response
// always reflects a deadline that has already passed.
func (s *Server) ChargeStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	trackID, err := strconv.ParseInt(chi.URLParam(r, "trackID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid track id"))
		return
	}
	intent, err := s.store.GetByTrackID(r.Context(), trackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if intent.UserID != userID {
		s.writeError(w, http.StatusNotFound, store.ErrNotFound)
		return
	}
	if intent.Status == models.StatusPending {
		switch intent.Channel {
		case models.ChannelCrypto:
			intent, err = s.crypto.Refresh(r.Context(), intent)
		default:
			intent, err = s.coordinator.ExpireIfDue(r.Context(), intent)
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, intentToResponse(intent, nil))
}

// WalletBalance returns the caller's current wallet balance.
func (s *Server) WalletBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

type webhookRequest struct {
	Authority string `json:"authority"`
	Status    string `json:"status"`
}

// GatewayWebhook handles the PSP's one-shot callback. Replays are
// acknowledged idempotently: the CAS transition guarantees no double credit,
// and the gateway always receives a 200 for a reference it already settled.
func (s *Server) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-Callback-Token")
	}
	if len(s.webhookSecret) == 0 || !hmac.Equal([]byte(token), s.webhookSecret) {
		s.writeError(w, http.StatusUnauthorized, errors.New("invalid callback token"))
		return
	}
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid payload"))
		return
	}
	if req.Authority == "" {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	intent, err := s.gateway.HandleCallback(r.Context(), req.Authority, req.Status == "OK")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
			return
		}
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(intent.Status)})
}

func intentToResponse(intent *models.Intent, payload map[string]interface{}) *intentResponse {
	resp := &intentResponse{
		TrackID:       intent.TrackID,
		Status:        string(intent.Status),
		ChannelStatus: intent.ChannelStatus,
		Channel:       string(intent.Channel),
		Amount:        intent.TargetAmount,
		ExternalRef:   intent.ExternalRef,
		Payload:       payload,
	}
	if intent.ExpiresAt != nil {
		resp.ExpiresAt = intent.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func createStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrBelowMinimum),
		errors.Is(err, store.ErrAboveMaximum),
		errors.Is(err, store.ErrUnknownChannel):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
