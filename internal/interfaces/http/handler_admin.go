package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"github.com/xuri/excelize/v2"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/config"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/usecases"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxExportRows   = 10000
	exportSheet     = "Customers"
)

type AdminHandler struct {
	auth          *usecases.AuthUsecase
	customers     *usecases.CustomerService
	dashboard     *usecases.DashboardUsecase
	catalog       interfaces.Catalog
	messenger     interfaces.Messenger
	businessPhone string
	logger        logrus.FieldLogger
}

func NewAdminHandler(auth *usecases.AuthUsecase, customers *usecases.CustomerService, dashboard *usecases.DashboardUsecase,
	catalog interfaces.Catalog, messenger interfaces.Messenger, businessPhone string, logger logrus.FieldLogger) *AdminHandler {
	return &AdminHandler{
		auth:          auth,
		customers:     customers,
		dashboard:     dashboard,
		catalog:       catalog,
		messenger:     messenger,
		businessPhone: businessPhone,
		logger:        logger.WithField("module", "admin"),
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,max=128"`
}

func (h *AdminHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	token, user, err := h.auth.Login(ctx, "login:"+ip, req.Username, req.Password)
	switch {
	case errors.Is(err, usecases.ErrLockedOut):
		h.customers.LogSecurityEvent(ctx, entities.EventLoginLocked, ip, "login attempt while locked out")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many failed attempts, try again later"})
		return
	case errors.Is(err, usecases.ErrInvalidCredentials):
		h.customers.LogSecurityEvent(ctx, entities.EventLoginFailed, ip, "failed login for "+req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	case err != nil:
		config.LogError(h.logger, "admin", "Login", "login failed", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int((24 * time.Hour).Seconds()),
		"user":         user,
	})
}

func (h *AdminHandler) Me(c *gin.Context) {
	user, err := h.auth.CurrentUser(c.Request.Context(), c.GetInt(ctxUserID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// GetStats returns platform statistics
func (h *AdminHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.dashboard.Stats(c.Request.Context()))
}

func (h *AdminHandler) ListCustomers(c *gin.Context) {
	limit := queryInt(c, "limit", defaultPageSize, 1, maxPageSize)
	offset := queryInt(c, "offset", 0, 0, 1<<30)

	customers, total, err := h.customers.List(c.Request.Context(), limit, offset)
	if err != nil {
		config.LogError(h.logger, "admin", "ListCustomers", "list failed", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch customers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers, "total": total, "limit": limit, "offset": offset})
}

// ExportCustomers streams the customer list as an xlsx workbook.
func (h *AdminHandler) ExportCustomers(c *gin.Context) {
	ctx := c.Request.Context()
	var all []entities.CustomerRecord
	for offset := 0; offset < maxExportRows; offset += maxPageSize {
		page, _, err := h.customers.List(ctx, maxPageSize, offset)
		if err != nil {
			config.LogError(h.logger, "admin", "ExportCustomers", "list failed", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch customers"})
			return
		}
		all = append(all, page...)
		if len(page) < maxPageSize {
			break
		}
	}

	f, err := CustomersWorkbook(all)
	if err != nil {
		config.LogError(h.logger, "admin", "ExportCustomers", "workbook failed", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build export"})
		return
	}
	defer f.Close()

	filename := fmt.Sprintf("customers-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Status(http.StatusOK)
	if err := f.Write(c.Writer); err != nil {
		config.LogError(h.logger, "admin", "ExportCustomers", "write failed", nil, err)
	}
}

// CustomersWorkbook renders customers into a single-sheet workbook.
func CustomersWorkbook(customers []entities.CustomerRecord) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		f.Close()
		return nil, err
	}
	header := []interface{}{"Phone", "Name", "Region", "Created", "Last interaction"}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		f.Close()
		return nil, err
	}
	for i, cust := range customers {
		row := []interface{}{
			cust.Phone,
			cust.Name,
			cust.Preferences["region"],
			cust.CreatedAt.Format(time.RFC3339),
			cust.LastInteractionAt.Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// GetCustomer returns one stored customer with their recent history.
func (h *AdminHandler) GetCustomer(c *gin.Context) {
	phone, err := SanitizePhone(c.Param("phone"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	customer, err := h.customers.Lookup(c.Request.Context(), phone)
	if err != nil {
		config.LogError(h.logger, "admin", "GetCustomer", "lookup failed", logrus.Fields{"phone": phone}, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch customer"})
		return
	}
	if customer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Customer not found"})
		return
	}
	c.JSON(http.StatusOK, customer)
}

// CustomerOrders lists the store orders placed from one phone number.
func (h *AdminHandler) CustomerOrders(c *gin.Context) {
	phone, err := SanitizePhone(c.Param("phone"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orders, err := h.catalog.OrdersByPhone(c.Request.Context(), phone)
	if err != nil {
		h.logger.WithError(err).WithField("phone", phone).Warn("order lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Order lookup unavailable"})
		return
	}
	if orders == nil {
		orders = []entities.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (h *AdminHandler) SecurityEvents(c *gin.Context) {
	limit := queryInt(c, "limit", defaultPageSize, 1, maxPageSize)
	events, err := h.customers.SecurityEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch security events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *AdminHandler) Products(c *gin.Context) {
	query := c.Query("query")
	limit := queryInt(c, "limit", 20, 1, 50)
	items := h.catalog.Search(c.Request.Context(), query, limit)
	c.JSON(http.StatusOK, gin.H{"products": items, "count": len(items)})
}

type sendMessageRequest struct {
	To      string `json:"to" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// SendMessage lets an operator message a customer directly.
func (h *AdminHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	to, err := SanitizePhone(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text, err := ValidateMessageContent(req.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.messenger.SendText(c.Request.Context(), to, text)
	if !result.OK {
		h.logger.WithFields(logrus.Fields{"phone": to, "failure": result.Failure.String()}).Warn("operator message not delivered")
		c.JSON(http.StatusBadGateway, gin.H{"status": "failed", "failure": result.Failure.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent", "message_id": result.MessageID})
}

// WhatsAppQR returns a PNG click-to-chat code for the business number.
func (h *AdminHandler) WhatsAppQR(c *gin.Context) {
	phone, err := SanitizePhone(h.businessPhone)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Business phone not configured"})
		return
	}
	png, err := qrcode.Encode("https://wa.me/"+phone[1:], qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate QR code"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return min(max(n, lo), hi)
}
