package httpapi

import (
	"net/http"
	"strconv"
)

func (s *server) nearbyShops(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identity(w, r); !ok {
		return
	}
	if s.shops == nil {
		writeMessage(w, http.StatusNotFound, "nearby search is disabled")
		return
	}

	query := r.URL.Query()
	lat, latErr := strconv.ParseFloat(query.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(query.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		writeMessage(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	var radius float64
	if raw := query.Get("radiusKm"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "radiusKm must be a number")
			return
		}
		radius = parsed
	}

	shops, err := s.shops.NearbyShopkeepers(r.Context(), lat, lng, radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]nearbyShopDTO, 0, len(shops))
	for _, shop := range shops {
		out = append(out, nearbyShopDTO{
			ID:         shop.Shopkeeper.ID,
			Username:   shop.Shopkeeper.Username,
			Email:      shop.Shopkeeper.Email,
			Location:   shop.Shopkeeper.Location,
			DistanceKm: shop.DistanceKm,
		})
	}
	writeJSON(w, http.StatusOK, nearbyShopsResponse{Success: true, Shops: out})
}
