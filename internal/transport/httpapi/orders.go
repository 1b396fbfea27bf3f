package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *server) createOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.withIdempotency(w, r, body, func() (int, any) {
		var req createOrderRequest
		if err := decodeBytes(body, &req); err != nil {
			return errorResponse(err)
		}
		order, err := s.orders.Create(r.Context(), req.input(id.UserID))
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError {
				s.logger.WithError(err).WithField("user_id", id.UserID).Error("create order failed")
			}
			return errorResponse(err)
		}
		return http.StatusCreated, orderResponse{
			Success: true,
			Message: "Order created successfully",
			Order:   toOrderDTO(order),
		}
	})
}

func (s *server) listMyOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	views, err := s.orders.ListForCustomer(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ordersResponse{Success: true, Orders: toOrderViewDTOs(views)})
}

func (s *server) listShopOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	views, err := s.orders.ListForShopkeeper(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ordersResponse{Success: true, Orders: toOrderViewDTOs(views)})
}

func (s *server) weeklyStats(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	stats, err := s.orders.WeeklyAggregate(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]dailyStatDTO, 0, len(stats))
	for _, day := range stats {
		out = append(out, dailyStatDTO{Date: day.Date, Orders: day.Orders, Revenue: money(day.Revenue)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	view, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Success: true, Order: toOrderViewDTO(view)})
}

func (s *server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	order, err := s.orders.Transition(r.Context(), chi.URLParam(r, "id"), id.UserID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Success: true, Message: "Order updated", Order: toOrderDTO(order)})
}
