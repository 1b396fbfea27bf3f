package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// Catalog — in-memory каталог товаров и справочник пользователей.
// CRUD каталога вне этого сервиса, поэтому данные загружаются из seed-файла или тестов.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	users    map[string]domain.UserProfile
}

// CatalogSeed — формат seed-файла каталога.
type CatalogSeed struct {
	Products []domain.Product     `json:"products"`
	Users    []domain.UserProfile `json:"users"`
}

// NewCatalog создаёт пустой каталог.
func NewCatalog() *Catalog {
	return &Catalog{
		products: make(map[string]domain.Product),
		users:    make(map[string]domain.UserProfile),
	}
}

// ReadCatalogSeed читает и проверяет JSON-файл каталога.
func ReadCatalogSeed(path string) (CatalogSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return CatalogSeed{}, fmt.Errorf("read catalog seed: %w", err)
	}

	var seed CatalogSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return CatalogSeed{}, fmt.Errorf("decode catalog seed %s: %w", path, err)
	}
	for _, product := range seed.Products {
		if product.ID == "" {
			return CatalogSeed{}, fmt.Errorf("catalog seed %s: product without id", path)
		}
	}
	for _, user := range seed.Users {
		if user.ID == "" {
			return CatalogSeed{}, fmt.Errorf("catalog seed %s: user without id", path)
		}
	}
	return seed, nil
}

// LoadCatalogSeed читает JSON-файл и наполняет каталог.
func LoadCatalogSeed(path string) (*Catalog, error) {
	seed, err := ReadCatalogSeed(path)
	if err != nil {
		return nil, err
	}

	catalog := NewCatalog()
	for _, product := range seed.Products {
		catalog.PutProduct(product)
	}
	for _, user := range seed.Users {
		catalog.PutUser(user)
	}
	return catalog, nil
}

// PutProduct добавляет или заменяет товар.
func (c *Catalog) PutProduct(product domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()

	product.Images = append([]string(nil), product.Images...)
	c.products[product.ID] = product
}

// PutUser добавляет или заменяет профиль пользователя.
func (c *Catalog) PutUser(user domain.UserProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.users[user.ID] = cloneProfile(user)
}

func (c *Catalog) GetProduct(_ context.Context, id string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	product, ok := c.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	product.Images = append([]string(nil), product.Images...)
	return product, nil
}

func (c *Catalog) GetUser(_ context.Context, id string) (domain.UserProfile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	user, ok := c.users[id]
	if !ok {
		return domain.UserProfile{}, domain.ErrUserNotFound
	}
	return cloneProfile(user), nil
}

// ListShopkeepers возвращает профили магазинов, упорядоченные по id.
func (c *Catalog) ListShopkeepers(_ context.Context) ([]domain.UserProfile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]domain.UserProfile, 0)
	for _, user := range c.users {
		if user.Role == domain.RoleShopkeeper {
			result = append(result, cloneProfile(user))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func cloneProfile(src domain.UserProfile) domain.UserProfile {
	dst := src
	if src.Location != nil {
		loc := *src.Location
		dst.Location = &loc
	}
	return dst
}

var (
	_ domain.ProductCatalog = (*Catalog)(nil)
	_ domain.UserDirectory  = (*Catalog)(nil)
)
