package types

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
)

// ChainFamily groups chains sharing an address and transaction model
type ChainFamily string

// ChainFamily constants
const (
	FamilyEVM     ChainFamily = "evm"
	FamilyCosmos  ChainFamily = "cosmos"
	FamilyBitcoin ChainFamily = "bitcoin"
	FamilySui     ChainFamily = "sui"
	FamilyAptos   ChainFamily = "aptos"
	FamilyIOTA    ChainFamily = "iota"
)

// AllFamilies returns every supported chain family in a stable order
func AllFamilies() []ChainFamily {
	return []ChainFamily{FamilyEVM, FamilyCosmos, FamilyBitcoin, FamilySui, FamilyAptos, FamilyIOTA}
}

// ParseFamily normalizes a chain family name
func ParseFamily(s string) (ChainFamily, bool) {
	f := ChainFamily(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllFamilies() {
		if f == known {
			return f, true
		}
	}
	return "", false
}

// Ed25519 reports whether the family signs with ed25519 keys
func (f ChainFamily) Ed25519() bool {
	return f == FamilySui || f == FamilyAptos || f == FamilyIOTA
}

// Trust scopes
const (
	ScopeConnected           = "connected"
	ScopeViewAccount         = "viewAccount"
	ScopeSuggestTransactions = "suggestTransactions"
)

// GranularScopes returns the scopes a family supports beyond plain connection.
// Families without granular scopes only ever hold ScopeConnected.
func GranularScopes(f ChainFamily) []string {
	if f == FamilySui || f == FamilyIOTA {
		return []string{ScopeViewAccount, ScopeSuggestTransactions}
	}
	return nil
}

// Request is one inbound call from an origin
type Request struct {
	ID       string          `json:"id"`
	Origin   string          `json:"origin"`
	TabID    int             `json:"tabId"`
	WindowID string          `json:"windowId,omitempty"`
	Family   ChainFamily     `json:"chainFamily"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Response is the single terminal answer to a Request
type Response struct {
	ID     string               `json:"id"`
	Origin string               `json:"-"`
	TabID  int                  `json:"-"`
	Result any                  `json:"result"`
	Error  *apperrors.WireError `json:"error,omitempty"`
}

// MarshalJSON emits either result or error, never both. A nil result is
// still emitted as null since some methods answer null on success.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			ID    string               `json:"id"`
			Error *apperrors.WireError `json:"error"`
		}{r.ID, r.Error})
	}
	return json.Marshal(struct {
		ID     string `json:"id"`
		Result any    `json:"result"`
	}{r.ID, r.Result})
}

// NewResult builds a success response for req
func NewResult(req *Request, result any) *Response {
	return &Response{ID: req.ID, Origin: req.Origin, TabID: req.TabID, Result: result}
}

// NewError builds an error response for req. Non-AppErrors become INTERNAL.
func NewError(req *Request, err error) *Response {
	return &Response{ID: req.ID, Origin: req.Origin, TabID: req.TabID, Error: apperrors.ToWire(err)}
}

// PendingRequest is a request waiting for an interactive decision
type PendingRequest struct {
	Request
	AccountID  string    `json:"accountId"`
	ChainID    string    `json:"chainId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// Normalized is the schema-validated form of Params
	Normalized any `json:"normalized,omitempty"`
}

// TrustGrant records scopes an origin holds for an account within a family
type TrustGrant struct {
	AccountID       string      `json:"accountId"`
	Origin          string      `json:"origin"`
	Family          ChainFamily `json:"chainFamily"`
	Scopes          []string    `json:"scopes"`
	ConnectedAt     time.Time   `json:"connectedAt"`
	LastConnectedAt time.Time   `json:"lastConnectedAt"`
}

// ConnectedSite is a grant with the number of transactions its origin has
// had signed
type ConnectedSite struct {
	TrustGrant
	TxCount int `json:"txCount"`
}

// HasScope reports whether the grant includes scope
func (g TrustGrant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
