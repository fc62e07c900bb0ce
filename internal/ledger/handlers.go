package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/usdc"
)

// Handler serves a MemoryLedger over the same JSON gateway protocol the
// Client speaks, plus development-only funding endpoints.
type Handler struct {
	ledger *MemoryLedger
}

// NewHandler creates a handler for an in-memory ledger.
func NewHandler(l *MemoryLedger) *Handler {
	return &Handler{ledger: l}
}

// RegisterGatewayRoutes mounts icrc2_transfer_from and icrc1_transfer.
func (h *Handler) RegisterGatewayRoutes(r gin.IRouter) {
	r.POST("/"+methodTransferFrom, h.transferFrom)
	r.POST("/"+methodTransfer, h.transfer)
}

// RegisterDevRoutes mounts mint and approve.
func (h *Handler) RegisterDevRoutes(r gin.IRouter) {
	r.POST("/mint", h.mint)
	r.POST("/approve", h.approve)
	r.GET("/balances/:owner", h.balance)
}

func (h *Handler) transferFrom(c *gin.Context) {
	caller := c.GetHeader(CallerHeader)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": CallerHeader + " header is required"})
		return
	}
	var args TransferFromArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	block, err := h.ledger.TransferFrom(c.Request.Context(), caller, args)
	respond(c, block, err)
}

func (h *Handler) transfer(c *gin.Context) {
	caller := c.GetHeader(CallerHeader)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": CallerHeader + " header is required"})
		return
	}
	var args TransferArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	block, err := h.ledger.Transfer(c.Request.Context(), caller, args)
	respond(c, block, err)
}

func respond(c *gin.Context, block uint64, err error) {
	var te *TransferError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, Result{Ok: &block})
	case errors.As(err, &te):
		c.JSON(http.StatusOK, Result{Err: te})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

type fundRequest struct {
	Owner      string `json:"owner" binding:"required"`
	Subaccount Blob   `json:"subaccount"`
	Spender    string `json:"spender"`
	Amount     string `json:"amount" binding:"required"`
}

func (h *Handler) mint(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := usdc.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	acct := Account{Owner: req.Owner, Subaccount: req.Subaccount}
	block, err := h.ledger.Mint(acct, amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": block, "balance": usdc.Format(h.ledger.BalanceOf(acct))})
}

func (h *Handler) approve(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := usdc.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	spender := req.Spender
	if spender == "" {
		spender = h.ledger.Owner()
	}
	block := h.ledger.Approve(Account{Owner: req.Owner, Subaccount: req.Subaccount}, spender, amount)
	c.JSON(http.StatusOK, gin.H{"block": block, "spender": spender, "allowance": usdc.Format(amount)})
}

func (h *Handler) balance(c *gin.Context) {
	acct := Account{Owner: c.Param("owner")}
	c.JSON(http.StatusOK, gin.H{"owner": acct.Owner, "balance": usdc.Format(h.ledger.BalanceOf(acct))})
}
