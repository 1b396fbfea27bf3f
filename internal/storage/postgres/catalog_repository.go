package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

// CatalogRepository читает товары и профили из таблиц products/users.
// Запись нужна только для seed и тестов: CRUD каталога живёт в другом сервисе.
type CatalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию каталога и справочника пользователей.
func NewCatalogRepository(store *Store) *CatalogRepository {
	return &CatalogRepository{db: store.DB()}
}

func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		product   domain.Product
		rawImages []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, shopkeeper_id, name, price, images, stock
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.ShopkeeperID, &product.Name, &product.Price, &rawImages, &product.Stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	if err := json.Unmarshal(rawImages, &product.Images); err != nil {
		return domain.Product{}, fmt.Errorf("decode product images: %w", err)
	}
	return product, nil
}

func (r *CatalogRepository) GetUser(ctx context.Context, id string) (domain.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT id, username, email, role, lat, lng FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.UserProfile{}, domain.ErrUserNotFound
		}
		return domain.UserProfile{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

func (r *CatalogRepository) ListShopkeepers(ctx context.Context) ([]domain.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, email, role, lat, lng
		FROM users
		WHERE role = $1
		ORDER BY id
	`, domain.RoleShopkeeper)
	if err != nil {
		return nil, fmt.Errorf("list shopkeepers: %w", err)
	}
	defer rows.Close()

	result := make([]domain.UserProfile, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shopkeeper: %w", err)
		}
		result = append(result, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shopkeepers: %w", err)
	}
	return result, nil
}

// UpsertProduct добавляет или обновляет товар.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, product domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	images := product.Images
	if images == nil {
		images = []string{}
	}
	rawImages, err := json.Marshal(images)
	if err != nil {
		return fmt.Errorf("encode product images: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, shopkeeper_id, name, price, images, stock)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET shopkeeper_id = EXCLUDED.shopkeeper_id,
		    name = EXCLUDED.name,
		    price = EXCLUDED.price,
		    images = EXCLUDED.images,
		    stock = EXCLUDED.stock
	`, product.ID, product.ShopkeeperID, product.Name, product.Price, rawImages, product.Stock); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// UpsertUser добавляет или обновляет профиль пользователя.
func (r *CatalogRepository) UpsertUser(ctx context.Context, user domain.UserProfile) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lat, lng := geoArgs(user.Location)
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, role, lat, lng)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    email = EXCLUDED.email,
		    role = EXCLUDED.role,
		    lat = EXCLUDED.lat,
		    lng = EXCLUDED.lng
	`, user.ID, user.Username, user.Email, user.Role, lat, lng); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (domain.UserProfile, error) {
	var (
		user     domain.UserProfile
		lat, lng sql.NullFloat64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Role, &lat, &lng); err != nil {
		return domain.UserProfile{}, err
	}
	user.Location = geoPointFromNull(lat, lng)
	return user, nil
}

var (
	_ domain.ProductCatalog = (*CatalogRepository)(nil)
	_ domain.UserDirectory  = (*CatalogRepository)(nil)
)
