package domain

import "github.com/shopspring/decimal"

// Роли пользователей.
const (
	RoleCustomer   = "customer"
	RoleShopkeeper = "shopkeeper"
)

// Product — текущее состояние товара в каталоге.
type Product struct {
	ID           string          `json:"id"`
	ShopkeeperID string          `json:"shopkeeperId"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Images       []string        `json:"images,omitempty"`
	Stock        int32           `json:"stock"`
}

// MainImage возвращает первое изображение товара или пустую строку.
func (p Product) MainImage() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0]
}

// UserProfile — публичные поля пользователя.
type UserProfile struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	Location *GeoPoint `json:"location,omitempty"`
}
