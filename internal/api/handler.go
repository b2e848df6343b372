package api

import (
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/auth"
	"github.com/hashlock-labs/bondlock/internal/commitment"
	"github.com/hashlock-labs/bondlock/internal/engine"
)

// Handler exposes the settlement engine over HTTP. Callers are authenticated
// by the wallet-signature middleware; the bond route additionally uses the
// authenticated wallet as the solver identity being debited.
type Handler struct {
	eng *engine.Engine
	log *zap.Logger
}

func NewHandler(eng *engine.Engine, log *zap.Logger) *Handler {
	return &Handler{eng: eng, log: log}
}

// Register mounts all routes. The auth middleware should already be applied
// to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/commitments", h.registerCommitment)
	rg.GET("/commitments/:hash", h.getCommitment)
	rg.POST("/commitments/:hash/bond", h.bond)
	rg.POST("/reveals", h.reveal)
	rg.POST("/sweep", h.sweep)
}

type registerRequest struct {
	Hash        string `json:"hash" binding:"required"`
	Beneficiary string `json:"beneficiary" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	FundingSats int64  `json:"funding_sats"`
	Expiry      int64  `json:"expiry" binding:"required"`
}

func (h *Handler) registerCommitment(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hash, ok := parseHash(req.Hash)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash must be 32 bytes of hex"})
		return
	}
	if !common.IsHexAddress(req.Beneficiary) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid beneficiary address"})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal string"})
		return
	}

	rec, err := h.eng.Register(c.Request.Context(), hash,
		common.HexToAddress(req.Beneficiary), amount,
		btcutil.Amount(req.FundingSats), req.Expiry)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) getCommitment(c *gin.Context) {
	hash, ok := parseHash(c.Param("hash"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash must be 32 bytes of hex"})
		return
	}
	rec, err := h.eng.Get(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) bond(c *gin.Context) {
	hash, ok := parseHash(c.Param("hash"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash must be 32 bytes of hex"})
		return
	}
	wallet := c.GetString(auth.WalletKey)
	if wallet == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no authenticated wallet"})
		return
	}

	rec, err := h.eng.Bond(c.Request.Context(), hash, common.HexToAddress(wallet))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type revealRequest struct {
	Preimage string `json:"preimage" binding:"required"`
	// Hash is optional; when set the preimage must hash to it.
	Hash string `json:"hash"`
}

func (h *Handler) reveal(c *gin.Context) {
	var req revealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(req.Preimage, "0x"))
	if err != nil || len(raw) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "preimage must be 32 bytes of hex"})
		return
	}
	var preimage commitment.Preimage
	copy(preimage[:], raw)

	var rec *commitment.Commitment
	if req.Hash != "" {
		hash, ok := parseHash(req.Hash)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hash must be 32 bytes of hex"})
			return
		}
		rec, err = h.eng.RevealFor(c.Request.Context(), hash, preimage)
	} else {
		rec, err = h.eng.Reveal(c.Request.Context(), preimage)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// sweep is the manual operator trigger; the scheduled sweeper covers normal
// operation.
func (h *Handler) sweep(c *gin.Context) {
	swept, err := h.eng.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": swept})
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := commitment.Code(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, commitment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, commitment.ErrAlreadyRegistered),
		errors.Is(err, commitment.ErrAlreadyBonded),
		errors.Is(err, commitment.ErrAlreadyReleased),
		errors.Is(err, commitment.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, commitment.ErrNotFunded):
		return http.StatusPreconditionFailed
	case errors.Is(err, commitment.ErrInvalidPreimage),
		errors.Is(err, commitment.ErrInvalidExpiry):
		return http.StatusBadRequest
	case errors.Is(err, commitment.ErrExpired):
		return http.StatusGone
	case errors.Is(err, commitment.ErrSettlementAction):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseHash(s string) (common.Hash, bool) {
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}
