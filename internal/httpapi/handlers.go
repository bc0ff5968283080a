package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"possettle/backend/internal/domain"
	"possettle/backend/internal/store"
)

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(c.ClientIP()) {
		writeError(c, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		writeError(c, http.StatusUnauthorized, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token for the X-CSRF-Token header.
func (a *API) handleCSRFToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"csrf_token": a.generateCSRFToken()})
}

func (a *API) handleListProducts(c *gin.Context) {
	products, err := a.service.ListProducts(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleCreateProduct(c *gin.Context) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	product, err := a.service.CreateProduct(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product": product})
}

func (a *API) handleUpdateProduct(c *gin.Context) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	product, err := a.service.UpdateProduct(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

func (a *API) handleAdjustStock(c *gin.Context) {
	var req domain.StockAdjustmentRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	product, err := a.service.AdjustStock(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product})
}

func (a *API) handleStockMovements(c *gin.Context) {
	limit := parsePositiveLimit(c.Query("limit"), 100, 500)
	movements, err := a.service.ListStockMovements(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

func (a *API) handleLowStock(c *gin.Context) {
	products, err := a.service.LowStockProducts(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleMyShift(c *gin.Context) {
	shift, err := a.service.GetOpenShift(c.Request.Context(), actorFrom(c).Username)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shift": shift})
}

func (a *API) handleStartShift(c *gin.Context) {
	var req domain.ShiftStartRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	shift, err := a.service.StartShift(c.Request.Context(), actorFrom(c).Username, req.OpeningBalanceMinor)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shift": shift})
}

func (a *API) handleCloseShift(c *gin.Context) {
	var req domain.ShiftCloseRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	shift, err := a.service.CloseOpenShift(c.Request.Context(), actorFrom(c).Username, req.CountedCashMinor, req.Notes)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shift": shift})
}

func (a *API) handleListShifts(c *gin.Context) {
	filter := store.ShiftFilter{
		OperatorID: strings.TrimSpace(c.Query("operator_id")),
		Status:     strings.TrimSpace(c.Query("status")),
		Limit:      parsePositiveLimit(c.Query("limit"), 100, 500),
	}
	shifts, err := a.service.ListShifts(c.Request.Context(), actorFrom(c).Username, filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shifts": shifts})
}

func (a *API) handleGetShift(c *gin.Context) {
	ctx := c.Request.Context()
	shift, err := a.service.GetShift(ctx, c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	actor := actorFrom(c)
	if shift.OperatorID != actor.Username {
		ok, err := a.service.Can(ctx, actor.Username, domain.CapabilityReadAllShifts)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		if !ok {
			// Other operators' shifts are reported as missing rather than forbidden.
			writeServiceError(c, &domain.ShiftNotFoundError{ShiftID: shift.ID})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"shift": shift})
}

func (a *API) handleCommitSale(c *gin.Context) {
	var req domain.CommitRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	record, err := a.service.Checkout(c.Request.Context(), actorFrom(c).Username, req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (a *API) handleListSales(c *gin.Context) {
	ctx := c.Request.Context()
	actor := actorFrom(c)
	filter := store.SaleFilter{
		ShiftID:    strings.TrimSpace(c.Query("shift_id")),
		OperatorID: strings.TrimSpace(c.Query("operator_id")),
		Limit:      parsePositiveLimit(c.Query("limit"), 100, 500),
	}
	ok, err := a.service.Can(ctx, actor.Username, domain.CapabilityReadAllShifts)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !ok {
		filter.OperatorID = actor.Username
	}
	sales, err := a.service.ListSales(ctx, filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

func (a *API) handleGetSale(c *gin.Context) {
	ctx := c.Request.Context()
	record, err := a.service.GetSale(ctx, c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	actor := actorFrom(c)
	if record.Sale.OperatorID != actor.Username {
		ok, err := a.service.Can(ctx, actor.Username, domain.CapabilityReadAllShifts)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		if !ok {
			writeServiceError(c, &domain.SaleNotFoundError{SaleID: record.Sale.ID})
			return
		}
	}
	c.JSON(http.StatusOK, record)
}

func (a *API) handleReverseSale(c *gin.Context) {
	var req domain.ReverseSaleRequest
	if err := decodeJSON(c, &req); err != nil && !errors.Is(err, io.EOF) {
		bindError(c, err)
		return
	}
	if req.Reason == "" {
		req.Reason = c.Query("reason")
	}
	record, err := a.service.Reverse(c.Request.Context(), c.Param("id"), actorFrom(c).Username, req.Reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reversed": record})
}

func (a *API) handleAuditLogs(c *gin.Context) {
	logs, err := a.service.ListAuditLogs(c.Request.Context(), parsePositiveLimit(c.Query("limit"), 100, 500))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit_logs": logs})
}

func (a *API) handleListCashiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cashiers": a.auth.ListCashiers(c.Request.Context())})
}

func (a *API) handleCreateCashier(c *gin.Context) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	cashier, err := a.auth.CreateCashier(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"cashier": cashier})
}
