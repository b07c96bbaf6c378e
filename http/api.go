package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore/ledger"
	"github.com/agentmesh/paycore/signer"
	"github.com/agentmesh/paycore/store"
)

// API exposes the ledger operations as JSON endpoints. Operations that
// move money on-chain (session creation, top-up) require a local signer
// capability and are unavailable without one.
type API struct {
	sessions *ledger.SessionLedger
	credits  *ledger.CreditLedger
	store    store.Store
	signer   *signer.Capability
	logger   *logrus.Logger
}

// APIOption configures an API.
type APIOption func(*API)

// WithAPILogger sets the structured logger.
func WithAPILogger(logger *logrus.Logger) APIOption {
	return func(a *API) { a.logger = logger }
}

// WithLocalSigner enables the funding endpoints with a server-side
// signer capability.
func WithLocalSigner(cap *signer.Capability) APIOption {
	return func(a *API) { a.signer = cap }
}

// NewAPI creates the JSON API over the given ledgers and store.
func NewAPI(sessions *ledger.SessionLedger, credits *ledger.CreditLedger, st store.Store, opts ...APIOption) *API {
	a := &API{
		sessions: sessions,
		credits:  credits,
		store:    st,
		logger:   logrus.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes returns the API router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/sessions", a.handleCreateSession)
	r.Get("/sessions/{token}", a.handleGetSession)
	r.Get("/sessions/{token}/history", a.handleSessionHistory)
	r.Post("/sessions/{token}/deduct", a.handleDeduct)
	r.Post("/sessions/{token}/revoke", a.handleRevoke)

	r.Get("/credits/{owner}", a.handleCreditBalance)
	r.Post("/credits/{owner}/topup", a.handleTopUp)
	r.Post("/credits/{owner}/spend", a.handleSpend)
	r.Post("/credits/{owner}/auto-topup", a.handleConfigureAutoTopup)

	r.Get("/transfers/{signature}", a.handleTransferStatus)

	return r
}

type createSessionBody struct {
	Cents           int64  `json:"cents"`
	ResourcePattern string `json:"resourcePattern"`
	DurationSeconds int64  `json:"durationSeconds"`
	AutoRenew       bool   `json:"autoRenew"`
	RenewalCents    int64  `json:"renewalCents"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		sendError(w, http.StatusServiceUnavailable, "no local signer configured")
		return
	}

	var body createSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := a.sessions.Create(r.Context(), a.signer, ledger.CreateSessionRequest{
		Cents:           body.Cents,
		ResourcePattern: body.ResourcePattern,
		Duration:        time.Duration(body.DurationSeconds) * time.Second,
		AutoRenew:       body.AutoRenew,
		RenewalCents:    body.RenewalCents,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.sessions.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := a.sessions.History(r.Context(), chi.URLParam(r, "token"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type deductBody struct {
	Cents       int64  `json:"cents"`
	ResourceURL string `json:"resourceUrl"`
}

func (a *API) handleDeduct(w http.ResponseWriter, r *http.Request) {
	var body deductBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := a.sessions.Deduct(r.Context(), chi.URLParam(r, "token"), body.Cents, body.ResourceURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Revoke(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	account, err := a.credits.Balance(r.Context(), chi.URLParam(r, "owner"), r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type topUpBody struct {
	Cents int64  `json:"cents"`
	Scope string `json:"scope"`
}

func (a *API) handleTopUp(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		sendError(w, http.StatusServiceUnavailable, "no local signer configured")
		return
	}
	if a.signer.Address != chi.URLParam(r, "owner") {
		sendError(w, http.StatusForbidden, "local signer cannot fund this owner")
		return
	}

	var body topUpBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := a.credits.TopUp(r.Context(), a.signer, body.Scope, body.Cents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type spendBody struct {
	Cents int64  `json:"cents"`
	Scope string `json:"scope"`
}

func (a *API) handleSpend(w http.ResponseWriter, r *http.Request) {
	var body spendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := a.credits.Spend(r.Context(), chi.URLParam(r, "owner"), body.Scope, body.Cents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type autoTopupBody struct {
	Scope          string `json:"scope"`
	Enabled        bool   `json:"enabled"`
	ThresholdCents int64  `json:"thresholdCents"`
	TopupCents     int64  `json:"topupCents"`
}

func (a *API) handleConfigureAutoTopup(w http.ResponseWriter, r *http.Request) {
	var body autoTopupBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := a.credits.ConfigureAutoTopup(r.Context(), chi.URLParam(r, "owner"), body.Scope,
		body.Enabled, body.ThresholdCents, body.TopupCents)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	transfer, err := a.store.GetTransferBySignature(r.Context(), chi.URLParam(r, "signature"))
	if errors.Is(err, store.ErrNotFound) {
		sendError(w, http.StatusNotFound, "unknown transfer")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}
