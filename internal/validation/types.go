package validation

import "strings"

// Listing limits for GET /orders.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ListOrdersQuery is the query string for GET /orders
type ListOrdersQuery struct {
	Email string `form:"email" validate:"required,email"` // customer email the orders were placed with
	Limit int    `form:"limit" validate:"gte=0"`          // 0 means DefaultListLimit; capped at MaxListLimit
}

// Normalize trims the email and applies the limit default and ceiling.
func (q *ListOrdersQuery) Normalize() {
	q.Email = strings.TrimSpace(q.Email)
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultListLimit
	case q.Limit > MaxListLimit:
		q.Limit = MaxListLimit
	}
}
