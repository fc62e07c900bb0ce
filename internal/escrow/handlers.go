package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/usdc"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/listings/:listingId/escrows", h.ListByListing)
	r.GET("/payers/:payer/escrows", validation.PrincipalParamMiddleware("payer"), h.ListByPayer)
	r.GET("/events", h.RecentEvents)
}

// RegisterProtectedRoutes sets up escrow routes that act on behalf of the
// authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/deposit", h.Deposit)
	r.POST("/escrows/:id/milestones/:index/complete", h.CompleteMilestone)
	r.POST("/escrows/:id/milestones/:index/release", h.ReleaseMilestone)
	r.POST("/escrows/:id/dispute", h.Dispute)
}

// MilestoneInput is one milestone of a create request.
type MilestoneInput struct {
	Description string    `json:"description"`
	Amount      string    `json:"amount" binding:"required"`
	Deadline    time.Time `json:"deadline" binding:"required"`
}

// CreateInput is the JSON body of POST /v1/escrows. Amounts are decimal
// USDC strings.
type CreateInput struct {
	ListingID   uint64           `json:"listingId"`
	Payee       string           `json:"payee" binding:"required"`
	TotalAmount string           `json:"totalAmount" binding:"required"`
	Milestones  []MilestoneInput `json:"milestones" binding:"required"`
}

type depositInput struct {
	Amount string `json:"amount" binding:"required"`
}

type disputeInput struct {
	Reason string `json:"reason"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.ValidPrincipal("payee", in.Payee),
		validation.ValidAmount("totalAmount", in.TotalAmount),
	}
	for i, m := range in.Milestones {
		field := "milestones[" + strconv.Itoa(i) + "]"
		validators = append(validators,
			validation.ValidAmount(field+".amount", m.Amount),
			validation.MaxLength(field+".description", m.Description, MaxDescriptionLength),
		)
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// Amounts were validated above.
	total, _ := usdc.Parse(in.TotalAmount)
	req := CreateRequest{
		ListingID:   in.ListingID,
		Payee:       in.Payee,
		TotalAmount: total,
		Milestones:  make([]MilestoneSpec, len(in.Milestones)),
	}
	for i, m := range in.Milestones {
		amt, _ := usdc.Parse(m.Amount)
		req.Milestones[i] = MilestoneSpec{
			Description: validation.SanitizeString(m.Description, MaxDescriptionLength),
			Amount:      amt,
			Deadline:    m.Deadline,
		}
	}

	caller, _ := auth.GetCaller(c)
	e, err := h.service.Create(c.Request.Context(), caller, req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": toView(e)})
}

// Deposit handles POST /v1/escrows/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var in depositInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	amount, err := usdc.Parse(in.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid amount format",
		})
		return
	}

	caller, _ := auth.GetCaller(c)
	if err := h.service.Deposit(c.Request.Context(), caller, id, amount); err != nil {
		writeError(c, err)
		return
	}
	h.respondEscrow(c, id, "Funds deposited successfully")
}

// CompleteMilestone handles POST /v1/escrows/:id/milestones/:index/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	id, index, ok := parseMilestone(c)
	if !ok {
		return
	}
	caller, _ := auth.GetCaller(c)
	if err := h.service.CompleteMilestone(c.Request.Context(), caller, id, index); err != nil {
		writeError(c, err)
		return
	}
	h.respondEscrow(c, id, "Milestone marked as completed")
}

// ReleaseMilestone handles POST /v1/escrows/:id/milestones/:index/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	id, index, ok := parseMilestone(c)
	if !ok {
		return
	}
	caller, _ := auth.GetCaller(c)
	if err := h.service.Release(c.Request.Context(), caller, id, index); err != nil {
		writeError(c, err)
		return
	}
	h.respondEscrow(c, id, "Funds released successfully")
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var in disputeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller, _ := auth.GetCaller(c)
	if err := h.service.Dispute(c.Request.Context(), caller, id, in.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Dispute recorded. An arbiter will review the case."})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": toView(e)})
}

// ListByListing handles GET /v1/listings/:listingId/escrows
func (h *Handler) ListByListing(c *gin.Context) {
	listingID, err := strconv.ParseUint(c.Param("listingId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "listingId must be a non-negative integer",
		})
		return
	}
	after, limit, ok := parsePage(c)
	if !ok {
		return
	}
	items, err := h.service.ListByListing(c.Request.Context(), listingID, after, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	respondPage(c, items, limit)
}

// ListByPayer handles GET /v1/payers/:payer/escrows
func (h *Handler) ListByPayer(c *gin.Context) {
	after, limit, ok := parsePage(c)
	if !ok {
		return
	}
	items, err := h.service.ListByPayer(c.Request.Context(), c.Param("payer"), after, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	respondPage(c, items, limit)
}

// RecentEvents handles GET /v1/events
func (h *Handler) RecentEvents(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	events, err := h.service.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]EventView, len(events))
	for i, ev := range events {
		views[i] = ToEventView(ev)
	}
	c.JSON(http.StatusOK, gin.H{
		"events": views,
		"count":  len(views),
	})
}

func (h *Handler) respondEscrow(c *gin.Context, id uint64, message string) {
	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"message": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "escrow": toView(e)})
}

func respondPage(c *gin.Context, items []*Escrow, limit int) {
	items, next, hasMore := pagination.ComputePage(items, limit, func(e *Escrow) uint64 { return e.ID })
	views := make([]View, len(items))
	for i, e := range items {
		views[i] = toView(e)
	}
	resp := gin.H{
		"escrows": views,
		"count":   len(views),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

func parsePage(c *gin.Context) (after uint64, limit int, ok bool) {
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return 0, 0, false
	}
	if l := c.Query("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	return after, pagination.ClampLimit(limit), true
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow id must be a non-negative integer",
		})
		return 0, false
	}
	return id, true
}

func parseMilestone(c *gin.Context) (uint64, int, bool) {
	id, ok := parseID(c)
	if !ok {
		return 0, 0, false
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "milestone index must be a non-negative integer",
		})
		return 0, 0, false
	}
	return id, index, true
}

// statusFor maps an error code from Classify to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "validation_error":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "operation_in_progress":
		return http.StatusConflict
	case "external_service_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := Classify(err)
	status := statusFor(code)
	body := gin.H{
		"error":   code,
		"message": err.Error(),
	}
	var te *ledger.TransferError
	if errors.As(err, &te) {
		body["ledgerError"] = te.Kind
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		body["message"] = "Internal error"
	}
	c.JSON(status, body)
}

// View is the API representation of an escrow, with amounts as decimal
// USDC strings.
type View struct {
	ID             uint64          `json:"id"`
	ListingID      uint64          `json:"listingId"`
	Payer          string          `json:"payer"`
	Payee          string          `json:"payee"`
	TotalAmount    string          `json:"totalAmount"`
	LockedAmount   string          `json:"lockedAmount"`
	ReleasedAmount string          `json:"releasedAmount"`
	State          State           `json:"state"`
	Milestones     []MilestoneView `json:"milestones"`
	DepositAddress string          `json:"depositAddress"`
	NextDeadline   *time.Time      `json:"nextDeadline,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// MilestoneView is the API representation of a milestone.
type MilestoneView struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Amount      string     `json:"amount"`
	Deadline    time.Time  `json:"deadline"`
	Completed   bool       `json:"completed"`
	Released    bool       `json:"released"`
	CompletedBy string     `json:"completedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
}

func toView(e *Escrow) View {
	v := View{
		ID:             e.ID,
		ListingID:      e.ListingID,
		Payer:          e.Payer,
		Payee:          e.Payee,
		TotalAmount:    usdc.Format(e.TotalAmount),
		LockedAmount:   usdc.Format(e.LockedAmount),
		ReleasedAmount: usdc.Format(e.ReleasedAmount),
		State:          e.State,
		Milestones:     make([]MilestoneView, len(e.Milestones)),
		DepositAddress: e.DepositAddress,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
	if e.State.Funded() {
		v.NextDeadline = e.NextDeadline()
	}
	for i, m := range e.Milestones {
		v.Milestones[i] = MilestoneView{
			Index:       i,
			Description: m.Description,
			Amount:      usdc.Format(m.Amount),
			Deadline:    m.Deadline,
			Completed:   m.Completed,
			Released:    m.Released,
			CompletedBy: m.CompletedBy,
			CompletedAt: m.CompletedAt,
			ReleasedAt:  m.ReleasedAt,
		}
	}
	return v
}

// EventView is the API and stream representation of an audit event.
type EventView struct {
	ID             uint64    `json:"id"`
	Kind           EventKind `json:"kind"`
	EscrowID       uint64    `json:"escrowId"`
	ListingID      uint64    `json:"listingId,omitempty"`
	Payer          string    `json:"payer,omitempty"`
	Payee          string    `json:"payee,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	MilestoneIndex *int      `json:"milestoneIndex,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	ReleasedTo     string    `json:"releasedTo,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ToEventView converts an event for output.
func ToEventView(ev *Event) EventView {
	v := EventView{
		ID:             ev.ID,
		Kind:           ev.Kind,
		EscrowID:       ev.EscrowID,
		ListingID:      ev.ListingID,
		Payer:          ev.Payer,
		Payee:          ev.Payee,
		MilestoneIndex: ev.MilestoneIndex,
		Actor:          ev.Actor,
		ReleasedTo:     ev.ReleasedTo,
		Reason:         ev.Reason,
		CreatedAt:      ev.CreatedAt,
	}
	if ev.Amount > 0 {
		v.Amount = usdc.Format(ev.Amount)
	}
	return v
}
