package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
	"github.com/vladislavdragonenkov/localshop/internal/service/lifecycle"
)

type createOrderRequest struct {
	Items []struct {
		ProductID string `json:"productId"`
		Quantity  int32  `json:"quantity"`
	} `json:"items"`
	TotalAmount      *decimal.Decimal `json:"totalAmount"`
	Address          addressDTO       `json:"address"`
	PaymentMethod    string           `json:"paymentMethod"`
	ShopkeeperID     string           `json:"shopkeeperId"`
	DeliveryLocation *domain.GeoPoint `json:"deliveryLocation,omitempty"`
}

func (req createOrderRequest) input(customerID string) lifecycle.CreateInput {
	items := make([]lifecycle.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, lifecycle.LineItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lifecycle.CreateInput{
		CustomerID:       customerID,
		ShopkeeperID:     req.ShopkeeperID,
		Items:            items,
		TotalAmount:      req.TotalAmount,
		Address:          req.Address.toDomain(),
		PaymentMethod:    req.PaymentMethod,
		DeliveryLocation: req.DeliveryLocation,
	}
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type addressDTO struct {
	Name        string           `json:"name"`
	Phone       string           `json:"phone"`
	FullAddress string           `json:"fullAddress"`
	Location    *domain.GeoPoint `json:"location,omitempty"`
}

func (a addressDTO) toDomain() domain.Address {
	return domain.Address{Name: a.Name, Phone: a.Phone, FullAddress: a.FullAddress, Location: a.Location}
}

type productDTO struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Price  json.Number `json:"price"`
	Images []string    `json:"images"`
}

type itemDTO struct {
	ProductID string      `json:"productId"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Quantity  int32       `json:"quantity"`
	Image     string      `json:"image,omitempty"`
	Product   *productDTO `json:"product,omitempty"`
}

type historyDTO struct {
	Type     string    `json:"type"`
	Status   string    `json:"status"`
	Occurred time.Time `json:"occurredAt"`
}

type orderDTO struct {
	ID               string              `json:"id"`
	CustomerID       string              `json:"customerId"`
	ShopkeeperID     string              `json:"shopkeeperId"`
	Customer         *domain.UserProfile `json:"customer,omitempty"`
	Shopkeeper       *domain.UserProfile `json:"shopkeeper,omitempty"`
	Items            []itemDTO           `json:"items"`
	Total            json.Number         `json:"total"`
	Address          addressDTO          `json:"address"`
	PaymentMethod    string              `json:"paymentMethod"`
	PaymentProvider  string              `json:"paymentProvider,omitempty"`
	PaymentID        string              `json:"paymentId,omitempty"`
	Paid             bool                `json:"paid"`
	PaidAt           *time.Time          `json:"paidAt,omitempty"`
	DeliveryLocation *domain.GeoPoint    `json:"deliveryLocation,omitempty"`
	Status           string              `json:"status"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	History          []historyDTO        `json:"history,omitempty"`
}

func money(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func toOrderDTO(order domain.Order) orderDTO {
	items := make([]itemDTO, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, itemDTO{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     money(item.UnitPrice),
			Quantity:  item.Quantity,
			Image:     item.Image,
		})
	}
	return orderDTO{
		ID:           order.ID,
		CustomerID:   order.CustomerID,
		ShopkeeperID: order.ShopkeeperID,
		Items:        items,
		Total:        money(order.Total),
		Address: addressDTO{
			Name:        order.Address.Name,
			Phone:       order.Address.Phone,
			FullAddress: order.Address.FullAddress,
			Location:    order.Address.Location,
		},
		PaymentMethod:    order.Payment.Method,
		PaymentProvider:  order.Payment.Provider,
		PaymentID:        order.Payment.ExternalID,
		Paid:             order.Payment.Paid,
		PaidAt:           order.Payment.PaidAt,
		DeliveryLocation: order.DeliveryLocation,
		Status:           string(order.Status),
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
}

func toOrderViewDTO(view lifecycle.OrderView) orderDTO {
	dto := toOrderDTO(view.Order)
	dto.Customer = view.Customer
	dto.Shopkeeper = view.Shopkeeper
	for i := range dto.Items {
		product, ok := view.Products[dto.Items[i].ProductID]
		if !ok {
			continue
		}
		dto.Items[i].Product = &productDTO{
			ID:     product.ID,
			Name:   product.Name,
			Price:  money(product.Price),
			Images: product.Images,
		}
	}
	for _, event := range view.History {
		dto.History = append(dto.History, historyDTO{
			Type:     event.Type,
			Status:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	return dto
}

func toOrderViewDTOs(views []lifecycle.OrderView) []orderDTO {
	out := make([]orderDTO, 0, len(views))
	for _, view := range views {
		out = append(out, toOrderViewDTO(view))
	}
	return out
}

type orderResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Order   orderDTO `json:"order"`
}

type ordersResponse struct {
	Success bool       `json:"success"`
	Orders  []orderDTO `json:"orders"`
}

type dailyStatDTO struct {
	Date    string      `json:"date"`
	Orders  int         `json:"orders"`
	Revenue json.Number `json:"revenue"`
}

type notificationsResponse struct {
	Success       bool                  `json:"success"`
	Notifications []domain.Notification `json:"notifications"`
}

type notificationResponse struct {
	Success      bool                `json:"success"`
	Notification domain.Notification `json:"notification"`
}

type countResponse struct {
	Count int `json:"count"`
}

type nearbyShopDTO struct {
	ID         string           `json:"id"`
	Username   string           `json:"username"`
	Email      string           `json:"email,omitempty"`
	Location   *domain.GeoPoint `json:"location,omitempty"`
	DistanceKm float64          `json:"distanceKm"`
}

type nearbyShopsResponse struct {
	Success bool            `json:"success"`
	Shops   []nearbyShopDTO `json:"shops"`
}
