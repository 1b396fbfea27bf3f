package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

const orderColumns = `
	id, customer_id, shopkeeper_id, status, total,
	address_name, address_phone, address_full, address_lat, address_lng,
	delivery_lat, delivery_lng,
	payment_method, payment_provider, payment_external_id, paid, paid_at,
	version, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
// События outbox пишутся в outbox_messages в той же транзакции, что и заказ.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order, events ...domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	addrLat, addrLng := geoArgs(order.Address.Location)
	delivLat, delivLng := geoArgs(order.DeliveryLocation)
	var paidAt sql.NullTime
	if order.Payment.PaidAt != nil {
		paidAt = sql.NullTime{Time: *order.Payment.PaidAt, Valid: true}
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		`,
			order.ID, order.CustomerID, order.ShopkeeperID, string(order.Status), order.Total,
			order.Address.Name, order.Address.Phone, order.Address.FullAddress, addrLat, addrLng,
			delivLat, delivLng,
			order.Payment.Method, order.Payment.Provider, order.Payment.ExternalID, order.Payment.Paid, paidAt,
			order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for pos, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, position, product_id, name, unit_price, quantity, image)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, order.ID, pos, item.ProductID, item.Name, item.UnitPrice, item.Quantity, item.Image); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		return insertOutboxMessages(ctx, tx, events)
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	return r.list(ctx, `WHERE customer_id = $1`, customerID)
}

func (r *orderRepository) ListByShopkeeper(ctx context.Context, shopkeeperID string) ([]domain.Order, error) {
	return r.list(ctx, `WHERE shopkeeper_id = $1`, shopkeeperID)
}

func (r *orderRepository) ListByShopkeeperSince(ctx context.Context, shopkeeperID string, since time.Time) ([]domain.Order, error) {
	return r.list(ctx, `WHERE shopkeeper_id = $1 AND created_at >= $2`, shopkeeperID, since)
}

// UpdateStatus блокирует строку заказа по {id, shopkeeper_id} через SELECT ... FOR UPDATE,
// проверяет переход и пишет статус вместе с событиями outbox в одной транзакции.
func (r *orderRepository) UpdateStatus(ctx context.Context, change domain.StatusChange) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.Order
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := scanOrder(tx.QueryRowContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE id = $1 AND shopkeeper_id = $2
			FOR UPDATE
		`, change.OrderID, change.ShopkeeperID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrOrderNotOwned
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if change.Guard != nil {
			if err := change.Guard(current.Status); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $3,
			    version = version + 1,
			    updated_at = $4
			WHERE id = $1 AND shopkeeper_id = $2
		`, change.OrderID, change.ShopkeeperID, string(change.Status), change.UpdatedAt); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		updated = current
		updated.Status = change.Status
		updated.UpdatedAt = change.UpdatedAt
		updated.Version++
		if updated.Items, err = loadItems(ctx, tx, updated.ID); err != nil {
			return err
		}

		if change.Events != nil {
			return insertOutboxMessages(ctx, tx, change.Events(updated))
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (r *orderRepository) list(ctx context.Context, where string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	return loadItems(ctx, r.db, orderID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadItems(ctx context.Context, q queryer, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, name, unit_price, quantity, image
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity, &item.Image); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order              domain.Order
		status             string
		addrLat, addrLng   sql.NullFloat64
		delivLat, delivLng sql.NullFloat64
		paidAt             sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.CustomerID, &order.ShopkeeperID, &status, &order.Total,
		&order.Address.Name, &order.Address.Phone, &order.Address.FullAddress, &addrLat, &addrLng,
		&delivLat, &delivLng,
		&order.Payment.Method, &order.Payment.Provider, &order.Payment.ExternalID, &order.Payment.Paid, &paidAt,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.Address.Location = geoPointFromNull(addrLat, addrLng)
	order.DeliveryLocation = geoPointFromNull(delivLat, delivLng)
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		order.Payment.PaidAt = &t
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
