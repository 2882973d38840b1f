package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/better-wallet/wallet-core/internal/account"
	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/approval"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/middleware"
	"github.com/better-wallet/wallet-core/internal/session"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const maxNameLength = 64

// AccountView is the public form of an account; sealed material never
// leaves the process
type AccountView struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      types.AccountKind `json:"kind"`
	Index     uint32            `json:"index"`
	CreatedAt time.Time         `json:"createdAt"`
}

func viewOf(a types.Account) AccountView {
	return AccountView{ID: a.ID, Name: a.Name, Kind: a.Kind, Index: a.Index, CreatedAt: a.CreatedAt}
}

type decisionRequest struct {
	ID     string   `json:"id"`
	Scopes []string `json:"scopes,omitempty"`
}

type windowRequest struct {
	WindowID string `json:"windowId"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type timeoutRequest struct {
	Timeout string `json:"timeout"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type zkLoginRequest struct {
	Name          string          `json:"name"`
	Family        string          `json:"chainFamily"`
	Address       string          `json:"address"`
	Provider      string          `json:"provider"`
	MaxEpoch      uint64          `json:"maxEpoch"`
	EphemeralSeed string          `json:"ephemeralSeed"`
	Proof         adapter.ZkProof `json:"proof"`
}

type createAccountRequest struct {
	Name       string `json:"name"`
	Mnemonic   string `json:"mnemonic,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Index      uint32 `json:"index,omitempty"`
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.wallet.PendingRequests()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	v.Required("id", req.ID)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}
	if err := s.wallet.Approve(r.Context(), req.ID, approval.Decision{Scopes: req.Scopes}); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	v.Required("id", req.ID)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}
	if err := s.wallet.Reject(r.Context(), req.ID); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWindowClosed(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	v.UUID("windowId", req.WindowID)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}
	if err := s.wallet.WindowClosed(r.Context(), req.WindowID); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) password(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var req passwordRequest
	if !decode(w, r, &req) {
		return nil, false
	}
	v := middleware.NewValidator()
	v.Required("password", req.Password)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return nil, false
	}
	return []byte(req.Password), true
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	pw, ok := s.password(w, r)
	if !ok {
		return
	}
	if err := s.wallet.Initialize(r.Context(), pw); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	pw, ok := s.password(w, r)
	if !ok {
		return
	}
	if err := s.wallet.Unlock(r.Context(), pw); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.Lock(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.Activity(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	var req timeoutRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	d, ok := v.Duration("timeout", req.Timeout, true)
	if !ok {
		middleware.WriteValidationError(w, v.Errors())
		return
	}
	if req.Timeout == "never" {
		d = session.Never
	}
	if err := s.wallet.SetTimeout(r.Context(), d); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	v.Required("oldPassword", req.OldPassword)
	v.Required("newPassword", req.NewPassword)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}
	if err := s.wallet.ChangePassword(r.Context(), []byte(req.OldPassword), []byte(req.NewPassword)); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.wallet.ListAccounts(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out := make([]AccountView, 0, len(accts))
	for _, a := range accts {
		out = append(out, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	v.MaxLength("name", req.Name, maxNameLength)
	v.Exclusive(map[string]string{"mnemonic": req.Mnemonic, "privateKey": req.PrivateKey})
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	acct, err := s.wallet.CreateAccount(r.Context(), account.CreateInput{
		Name:       req.Name,
		Mnemonic:   req.Mnemonic,
		PrivateKey: req.PrivateKey,
		Index:      req.Index,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

func (s *Server) handleCreateZkLogin(w http.ResponseWriter, r *http.Request) {
	var req zkLoginRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	v.MaxLength("name", req.Name, maxNameLength)
	v.OneOf("chainFamily", req.Family, []string{string(types.FamilySui), string(types.FamilyIOTA)})
	v.Required("address", req.Address)
	v.Required("ephemeralSeed", req.EphemeralSeed)
	seed, err := hex.DecodeString(strings.TrimPrefix(req.EphemeralSeed, "0x"))
	if err != nil {
		v.AddError("ephemeralSeed", "must be hex encoded")
	}
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}

	acct, err := s.wallet.CreateZkLoginAccount(r.Context(), account.ZkLoginInput{
		Name:          req.Name,
		Family:        types.ChainFamily(req.Family),
		Address:       req.Address,
		Provider:      req.Provider,
		MaxEpoch:      req.MaxEpoch,
		EphemeralSeed: seed,
		Proof:         req.Proof,
	})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(acct))
}

func (s *Server) handleGenerateMnemonic(w http.ResponseWriter, r *http.Request) {
	mnemonic, err := s.wallet.GenerateMnemonic()
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"mnemonic": mnemonic})
}

func (s *Server) handleRenameAccount(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	v := middleware.NewValidator()
	v.Required("name", req.Name)
	v.MaxLength("name", req.Name, maxNameLength)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}
	if err := s.wallet.RenameAccount(r.Context(), r.PathValue("id"), req.Name); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.SelectAccount(r.Context(), r.PathValue("id")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.DeleteAccount(r.Context(), r.PathValue("id")); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	recs, err := s.wallet.CurrentBalances(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if recs == nil {
		recs = []types.BalanceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": recs})
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.wallet.ConnectedSites(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if sites == nil {
		sites = []types.ConnectedSite{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
}

func (s *Server) handleDisconnectSite(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	v := middleware.NewValidator()
	v.Required("origin", origin)
	if v.HasErrors() {
		middleware.WriteValidationError(w, v.Errors())
		return
	}
	if err := s.wallet.DisconnectSite(r.Context(), origin); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	coins, err := s.wallet.ChainTotals(r.Context(), r.PathValue("chainId"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if coins == nil {
		coins = []types.Coin{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chainId": r.PathValue("chainId"), "totals": coins})
}

func (s *Server) handleStaking(w http.ResponseWriter, r *http.Request) {
	recs, err := s.wallet.CurrentDelegations(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if recs == nil {
		recs = []types.DelegationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": recs})
}

// decode reads a JSON body and answers INVALID_PARAMS on failure
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := middleware.ValidateJSON(r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, apperrors.InvalidParams("Request body too large"))
			return false
		}
		writeError(r.Context(), w, apperrors.InvalidParams(err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError answers with an AppError. Anything else is logged and
// collapsed into INTERNAL.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		appErr = apperrors.ErrInternal
	}
	if appErr.Code == apperrors.ErrCodeInternal {
		logger.Error(ctx, "control request failed", "error", err)
	}
	writeJSON(w, appErr.StatusCode, appErr)
}
