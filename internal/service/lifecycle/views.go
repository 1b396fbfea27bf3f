package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// OrderView — заказ с публичными профилями участников, текущим видом товаров и историей.
type OrderView struct {
	Order      domain.Order
	Customer   *domain.UserProfile
	Shopkeeper *domain.UserProfile
	// Products — текущее состояние товаров каталога по ProductID; снимок в Items не меняется.
	Products map[string]domain.Product
	History  []domain.TimelineEvent
}

// Get возвращает заказ любому аутентифицированному пользователю.
func (e *Engine) Get(ctx context.Context, orderID, requesterID string) (OrderView, error) {
	if strings.TrimSpace(requesterID) == "" {
		return OrderView{}, fmt.Errorf("%w: identity required", domain.ErrUnauthorized)
	}

	order, err := e.orders.Get(ctx, orderID)
	if err != nil {
		if domain.IsNotFound(err) {
			return OrderView{}, err
		}
		return OrderView{}, fmt.Errorf("%w: load order: %v", domain.ErrInternal, err)
	}

	enricher := e.newEnricher()
	view := enricher.view(ctx, order)
	if e.timeline != nil {
		history, err := e.timeline.List(ctx, order.ID)
		if err != nil {
			e.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to load order history")
		} else {
			view.History = history
		}
	}
	return view, nil
}

// ListForCustomer возвращает заказы покупателя, новые первыми.
func (e *Engine) ListForCustomer(ctx context.Context, customerID string) ([]OrderView, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, domain.ErrCustomerRequired
	}
	orders, err := e.orders.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list customer orders: %v", domain.ErrInternal, err)
	}
	return e.views(ctx, orders), nil
}

// ListForShopkeeper возвращает заказы магазина, новые первыми.
func (e *Engine) ListForShopkeeper(ctx context.Context, shopkeeperID string) ([]OrderView, error) {
	if strings.TrimSpace(shopkeeperID) == "" {
		return nil, fmt.Errorf("%w: shopkeeper identity required", domain.ErrUnauthorized)
	}
	orders, err := e.orders.ListByShopkeeper(ctx, shopkeeperID)
	if err != nil {
		return nil, fmt.Errorf("%w: list shopkeeper orders: %v", domain.ErrInternal, err)
	}
	return e.views(ctx, orders), nil
}

func (e *Engine) views(ctx context.Context, orders []domain.Order) []OrderView {
	enricher := e.newEnricher()
	out := make([]OrderView, 0, len(orders))
	for _, order := range orders {
		out = append(out, enricher.view(ctx, order))
	}
	return out
}

// enricher кэширует профили и товары в пределах одного запроса.
type enricher struct {
	engine   *Engine
	users    map[string]*domain.UserProfile
	products map[string]*domain.Product
}

func (e *Engine) newEnricher() *enricher {
	return &enricher{
		engine:   e,
		users:    make(map[string]*domain.UserProfile),
		products: make(map[string]*domain.Product),
	}
}

func (en *enricher) view(ctx context.Context, order domain.Order) OrderView {
	view := OrderView{
		Order:      order,
		Customer:   en.user(ctx, order.CustomerID),
		Shopkeeper: en.user(ctx, order.ShopkeeperID),
		Products:   make(map[string]domain.Product, len(order.Items)),
	}
	for _, item := range order.Items {
		if product := en.product(ctx, item.ProductID); product != nil {
			view.Products[item.ProductID] = *product
		}
	}
	return view
}

func (en *enricher) user(ctx context.Context, id string) *domain.UserProfile {
	if en.engine.users == nil || id == "" {
		return nil
	}
	if cached, ok := en.users[id]; ok {
		return cached
	}

	var profile *domain.UserProfile
	user, err := en.engine.users.GetUser(ctx, id)
	switch {
	case err == nil:
		profile = &user
	case !domain.IsNotFound(err):
		en.engine.logger.WithError(err).WithField("user_id", id).Warn("failed to load user profile")
	}
	en.users[id] = profile
	return profile
}

func (en *enricher) product(ctx context.Context, id string) *domain.Product {
	if cached, ok := en.products[id]; ok {
		return cached
	}

	var result *domain.Product
	product, err := en.engine.catalog.GetProduct(ctx, id)
	switch {
	case err == nil:
		result = &product
	case !domain.IsNotFound(err):
		en.engine.logger.WithError(err).WithField("product_id", id).Warn("failed to load product")
	}
	en.products[id] = result
	return result
}
