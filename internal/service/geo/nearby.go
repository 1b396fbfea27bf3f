// Package geo ищет магазины рядом с точкой.
package geo

import (
	"context"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/localshop/internal/domain"
)

const (
	// DefaultRadiusKm используется, если радиус не задан.
	DefaultRadiusKm = 5.0
	earthRadiusKm   = 6371.0
)

// NearbyShop — магазин с расстоянием до точки запроса.
type NearbyShop struct {
	Shopkeeper domain.UserProfile
	DistanceKm float64
}

// Finder фильтрует магазины по расстоянию поверх снимка справочника.
type Finder struct {
	users  domain.UserDirectory
	logger *log.Entry
}

// NewFinder создаёт Finder.
func NewFinder(users domain.UserDirectory, logger *log.Entry) *Finder {
	if logger == nil {
		logger = log.WithField("component", "geo")
	}
	return &Finder{users: users, logger: logger}
}

// NearbyShopkeepers возвращает магазины в радиусе radiusKm, ближние первыми.
// Магазины без координат пропускаются.
func (f *Finder) NearbyShopkeepers(ctx context.Context, lat, lng, radiusKm float64) ([]NearbyShop, error) {
	if !validCoordinates(lat, lng) {
		return nil, fmt.Errorf("%w: coordinates out of range", domain.ErrInvalidInput)
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}

	shopkeepers, err := f.users.ListShopkeepers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list shopkeepers: %v", domain.ErrInternal, err)
	}

	origin := domain.GeoPoint{Lat: lat, Lng: lng}
	result := make([]NearbyShop, 0, len(shopkeepers))
	for _, shop := range shopkeepers {
		if shop.Location == nil {
			continue
		}
		distance := Distance(origin, *shop.Location)
		if distance > radiusKm {
			continue
		}
		result = append(result, NearbyShop{Shopkeeper: shop, DistanceKm: distance})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DistanceKm < result[j].DistanceKm
	})

	f.logger.WithFields(log.Fields{
		"radius_km": radiusKm,
		"found":     len(result),
	}).Debug("nearby shopkeepers lookup")

	return result, nil
}

// Distance — расстояние по большому кругу в километрах (формула гаверсинусов).
func Distance(a, b domain.GeoPoint) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func validCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 && !math.IsNaN(lat) && !math.IsNaN(lng)
}
