package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

type Server struct {
	echo *echo.Echo
	svc  *service.Service
	auth *AuthManager
	log  *zap.Logger
}

func NewServer(svc *service.Service, auth *AuthManager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, svc: svc, auth: auth, log: log}

	e.Use(echomw.Recover())
	e.Use(metrics.Middleware())
	e.Use(s.requestLogger())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.POST("/api/login", s.handleLogin)

	api := e.Group("/api", s.authMiddleware())
	api.GET("/locations", s.handleListLocations)
	api.POST("/locations", s.handleCreateLocation)
	api.GET("/categories", s.handleListCategories)
	api.POST("/categories", s.handleCreateCategory)
	api.GET("/products", s.handleListProducts)
	api.POST("/products", s.handleCreateProduct)
	api.PATCH("/products/:id", s.handleUpdateProduct)
	api.GET("/stock", s.handleListStock)
	api.POST("/staff", s.handleCreateStaff)
	api.POST("/purchases", s.handleRecordPurchase)
	api.GET("/purchases", s.handleListPurchases)
	api.POST("/transfers", s.handleRecordTransfer)
	api.GET("/transfers", s.handleListTransfers)
	api.POST("/shifts", s.handleOpenShift)
	api.GET("/shifts", s.handleListShifts)
	api.GET("/shifts/:id", s.handleGetShift)
	api.POST("/shifts/:id/close", s.handleCloseShift)
	api.GET("/shifts/:id/transactions", s.handleListTransactions)
	api.GET("/shifts/:id/summary", s.handleShiftSummary)
	api.GET("/shifts/:id/financial", s.handleFinancialReport)
	api.POST("/sales", s.handleCreateSale)
	api.POST("/refunds", s.handleCreateRefund)
	api.POST("/adjustments", s.handleCreateAdjustment)
	api.POST("/writeoffs", s.handleCreateWriteoff)
	api.GET("/locations/:id/inventory", s.handleInventoryReport)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.log.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", c.RealIP()),
			)
			return err
		}
	}
}

func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			actor, err := s.auth.ParseToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			ctx := service.WithActor(c.Request().Context(), actor)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(c echo.Context) error {
	var req domain.LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListLocations(c echo.Context) error {
	out, err := s.svc.ListLocations(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateLocation(c echo.Context) error {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CreateLocation(c.Request().Context(), req.Name, req.Address)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleListCategories(c echo.Context) error {
	out, err := s.svc.ListCategories(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateCategory(c echo.Context) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CreateCategory(c.Request().Context(), req.Name)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleListProducts(c echo.Context) error {
	activeOnly := c.QueryParam("active") != "false"
	out, err := s.svc.ListProducts(c.Request().Context(), c.QueryParam("location_id"), activeOnly)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateProduct(c echo.Context) error {
	var req domain.ProductCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CreateProduct(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleUpdateProduct(c echo.Context) error {
	var req domain.ProductUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.UpdateProduct(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListStock(c echo.Context) error {
	out, err := s.svc.ListStockLevels(c.Request().Context(), c.QueryParam("location_id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateStaff(c echo.Context) error {
	var req domain.StaffCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password must be at least 8 characters")
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return s.writeError(c, err)
	}
	out, err := s.svc.CreateStaff(c.Request().Context(), req, hash)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleRecordPurchase(c echo.Context) error {
	var req domain.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.RecordPurchase(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleListPurchases(c echo.Context) error {
	out, err := s.svc.ListPurchases(c.Request().Context(), c.QueryParam("product_id"), intQuery(c, "limit"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRecordTransfer(c echo.Context) error {
	var req domain.TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.RecordTransfer(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleListTransfers(c echo.Context) error {
	out, err := s.svc.ListTransfers(c.Request().Context(), c.QueryParam("product_id"), intQuery(c, "limit"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleOpenShift(c echo.Context) error {
	var req domain.ShiftOpenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.OpenShift(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleListShifts(c echo.Context) error {
	out, err := s.svc.ListShifts(c.Request().Context(), c.QueryParam("location_id"), intQuery(c, "limit"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetShift(c echo.Context) error {
	out, err := s.svc.GetShift(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCloseShift(c echo.Context) error {
	var req domain.ShiftCloseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CloseShift(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListTransactions(c echo.Context) error {
	out, err := s.svc.ListTransactions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleShiftSummary(c echo.Context) error {
	out, err := s.svc.ShiftSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleFinancialReport(c echo.Context) error {
	out, err := s.svc.FinancialReport(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSale(c echo.Context) error {
	var req domain.SaleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CreateSale(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleCreateRefund(c echo.Context) error {
	var req domain.RefundRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CreateRefund(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleCreateAdjustment(c echo.Context) error {
	var req domain.AdjustmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CreateAdjustment(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleCreateWriteoff(c echo.Context) error {
	var req domain.WriteoffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.svc.CreateWriteoff(c.Request().Context(), req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleInventoryReport(c echo.Context) error {
	out, err := s.svc.InventoryReport(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// writeError maps the store error taxonomy to HTTP statuses. ErrBusy asks
// the client to retry.
func (s *Server) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrShiftAlreadyOpen),
		errors.Is(err, store.ErrShiftClosed),
		errors.Is(err, store.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, store.ErrLocationMismatch),
		errors.Is(err, store.ErrProductInactive):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrBusy):
		c.Response().Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case err.Error() == "authentication required":
		status = http.StatusUnauthorized
	case err.Error() == "permission denied" || err.Error() == "account disabled":
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(status, "internal error")
	}
	return echo.NewHTTPError(status, err.Error())
}

func intQuery(c echo.Context, name string) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return 0
	}
	return v
}
