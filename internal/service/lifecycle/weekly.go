package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

const (
	weeklyDays = 7
	dateLayout = "2006-01-02"
)

// DailyStat — заказы и выручка магазина за календарный день.
type DailyStat struct {
	Date    string
	Orders  int
	Revenue decimal.Decimal
}

// WeeklyAggregate возвращает статистику за последние 7 дней включая сегодняшний.
// Дни без заказов присутствуют с нулями; выручка учитывает заказы в любом статусе.
func (e *Engine) WeeklyAggregate(ctx context.Context, shopkeeperID string) ([]DailyStat, error) {
	if strings.TrimSpace(shopkeeperID) == "" {
		return nil, fmt.Errorf("%w: shopkeeper identity required", domain.ErrUnauthorized)
	}

	now := e.clock().In(e.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.location)
	start := today.AddDate(0, 0, -(weeklyDays - 1))

	stats := make([]DailyStat, weeklyDays)
	index := make(map[string]int, weeklyDays)
	for i := range stats {
		date := start.AddDate(0, 0, i).Format(dateLayout)
		stats[i] = DailyStat{Date: date, Revenue: decimal.Zero}
		index[date] = i
	}

	orders, err := e.orders.ListByShopkeeperSince(ctx, shopkeeperID, start)
	if err != nil {
		return nil, fmt.Errorf("%w: list weekly orders: %v", domain.ErrInternal, err)
	}

	for _, order := range orders {
		i, ok := index[order.CreatedAt.In(e.location).Format(dateLayout)]
		if !ok {
			continue
		}
		stats[i].Orders++
		stats[i].Revenue = stats[i].Revenue.Add(order.Total)
	}

	return stats, nil
}
