package handler

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// KeySource exposes the engine's public identity.
type KeySource interface {
	PublicKeyHex() string
	Address() common.Address
}

// KeyHandler serves the key clients encrypt bets to.
type KeyHandler struct {
	keys KeySource
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys KeySource) *KeyHandler {
	return &KeyHandler{keys: keys}
}

// GetPublicKey returns the uncompressed secp256k1 public key.
// GET /pubkey
func (h *KeyHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": h.keys.PublicKeyHex(),
		"address":   h.keys.Address().Hex(),
	})
}
