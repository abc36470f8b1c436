package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-stripe-orderflow/internal/orders"
	"github.com/imrishuroy/go-stripe-orderflow/internal/validation"
)

// OrderLister reads orders for the listing endpoint.
type OrderLister interface {
	ListByEmail(ctx context.Context, email string, limit int) ([]orders.Order, error)
}

// OrdersConfig groups dependencies for the orders handler.
type OrdersConfig struct {
	Store  OrderLister
	Logger *slog.Logger
}

// RegisterOrdersRoutes registers routes for the order read API.
func RegisterOrdersRoutes(r gin.IRouter, cfg OrdersConfig) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	v := validation.New()

	listOrders := func(c *gin.Context) {
		ctx := c.Request.Context()

		var q validation.ListOrdersQuery
		if err := validation.BindQueryAndValidate(c, &q, v, "invalid_email"); err != nil {
			// BindQueryAndValidate already wrote a 400
			return
		}
		q.Normalize()

		list, err := cfg.Store.ListByEmail(ctx, q.Email, q.Limit)
		if err != nil {
			requestLogger(c, cfg.Logger).ErrorContext(ctx, "list_orders_failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		if list == nil {
			list = []orders.Order{}
		}
		c.JSON(http.StatusOK, gin.H{"orders": list})
	}

	r.GET("/orders", listOrders)
	r.GET("/api/orders/list", listOrders)
}
