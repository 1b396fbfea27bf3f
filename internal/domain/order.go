package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа между покупателем и магазином.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан и ждёт подтверждения магазином.
	OrderStatusPending OrderStatus = "Pending"
	// OrderStatusConfirmed — магазин принял заказ.
	OrderStatusConfirmed OrderStatus = "Confirmed"
	// OrderStatusOutForDelivery — заказ передан в доставку.
	OrderStatusOutForDelivery OrderStatus = "Out for Delivery"
	// OrderStatusDelivered — заказ доставлен (терминальный статус).
	OrderStatusDelivered OrderStatus = "Delivered"
	// OrderStatusCancelled — заказ отменён (терминальный статус).
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// DefaultPaymentMethod используется, если клиент не указал способ оплаты.
const DefaultPaymentMethod = "UPI"

var statusRank = map[OrderStatus]int{
	OrderStatusPending:        0,
	OrderStatusConfirmed:      1,
	OrderStatusOutForDelivery: 2,
	OrderStatusDelivered:      3,
}

// OrderStatuses возвращает все допустимые статусы в порядке жизненного цикла.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusConfirmed,
		OrderStatusOutForDelivery,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}
}

// Valid проверяет, что статус входит в перечисление.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// ParseOrderStatus разбирает статус из внешнего представления. Сравнение точное.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// TransitionPolicy определяет, насколько строго проверяются переходы статусов.
type TransitionPolicy string

const (
	// TransitionPolicyStrict — только вперёд, терминальные статусы закрыты, отмена из любого нетерминального.
	TransitionPolicyStrict TransitionPolicy = "strict"
	// TransitionPolicyPermissive — любой статус из перечисления из любого текущего.
	TransitionPolicyPermissive TransitionPolicy = "permissive"
)

// ParseTransitionPolicy разбирает название политики; пустая строка означает strict.
func ParseTransitionPolicy(raw string) (TransitionPolicy, error) {
	switch TransitionPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TransitionPolicyStrict:
		return TransitionPolicyStrict, nil
	case TransitionPolicyPermissive:
		return TransitionPolicyPermissive, nil
	default:
		return "", fmt.Errorf("unknown transition policy %q", raw)
	}
}

// Allow проверяет переход from -> to. Повтор текущего статуса разрешён всегда.
func (p TransitionPolicy) Allow(from, to OrderStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if p == TransitionPolicyPermissive || from == to {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("%w: order is already %s (%s policy)", ErrInvalidTransition, from, TransitionPolicyStrict)
	}
	if to == OrderStatusCancelled {
		return nil
	}
	if statusRank[to] < statusRank[from] {
		return fmt.Errorf("%w: %s -> %s (%s policy allows only forward moves or cancellation)",
			ErrInvalidTransition, from, to, TransitionPolicyStrict)
	}
	return nil
}

// OrderItem — снимок позиции каталога на момент оформления.
type OrderItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int32
	Image     string
}

// LineTotal возвращает стоимость позиции.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt32(i.Quantity))
}

// GeoPoint — географическая точка.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Address — денормализованный снимок адреса доставки.
type Address struct {
	Name        string
	Phone       string
	FullAddress string
	Location    *GeoPoint
}

// Payment — платёжные метаданные. Движок заказов их не изменяет.
type Payment struct {
	Method     string
	Provider   string
	ExternalID string
	Paid       bool
	PaidAt     *time.Time
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID               string
	CustomerID       string
	ShopkeeperID     string
	Items            []OrderItem
	Total            decimal.Decimal
	Address          Address
	DeliveryLocation *GeoPoint
	Payment          Payment
	Status           OrderStatus
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ItemsTotal считает сумму позиций заказа.
func ItemsTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// ShortID возвращает последние шесть символов идентификатора для текстов уведомлений.
func (o Order) ShortID() string {
	if len(o.ID) <= 6 {
		return o.ID
	}
	return o.ID[len(o.ID)-6:]
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.ShopkeeperID == "" {
		errs = append(errs, ErrShopkeeperRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}

	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	if !ItemsTotal(o.Items).Equal(o.Total) {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
