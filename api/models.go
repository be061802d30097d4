package api

import (
	"time"

	"github.com/kleeedolinux/courier.go/socket"
)

type Order struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	DriverID  string      `json:"driverId,omitempty"`
	AddressID string      `json:"addressId,omitempty"`
	Status    string      `json:"status"`
	Total     float64     `json:"total"`
	Items     []OrderItem `json:"items,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt,omitempty"`
}

type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// TrackingTopic is the realtime topic carrying this order's updates.
func (o Order) TrackingTopic() string {
	return socket.OrderTopic(o.ID)
}

type Address struct {
	ID         string           `json:"id"`
	UserID     string           `json:"userId"`
	Label      string           `json:"label,omitempty"`
	Street     string           `json:"street"`
	City       string           `json:"city"`
	PostalCode string           `json:"postalCode,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	Location   *socket.Location `json:"location,omitempty"`
}
