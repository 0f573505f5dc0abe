// Package handler содержит HTTP-обработчики API сервиса слотов доставки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/slotservice/internal/model"
	"github.com/mmeshcher/slotservice/internal/repository"
	"github.com/mmeshcher/slotservice/internal/service"
	"github.com/mmeshcher/slotservice/internal/validation"
)

// Окно выдачи слотов по умолчанию: сегодня (UTC) плюс две недели.
const defaultListingWindow = 14 * 24 * time.Hour

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateSlots(ctx context.Context, farmID int64, specs []model.SlotSpec) (int, error)
	GetSlots(ctx context.Context, farmID int64, beginDate, endDate time.Time) ([]model.Slot, error)
	BookDelivery(ctx context.Context, farmID, slotID, userID int64) (*model.Delivery, error)
}

// Handler реализует HTTP-обработчики API сервиса слотов доставки.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type slotSpecRequest struct {
	NumDeliveries int    `json:"numDeliveries"`
	From          string `json:"from"`
	To            string `json:"to"`
}

type createSlotsResponse struct {
	Inserted int `json:"inserted"`
}

// CreateSlots принимает список спецификаций слотов и создаёт их для фермы.
func (h *Handler) CreateSlots(w http.ResponseWriter, r *http.Request) {
	farmID, err := validation.ParseID(chi.URLParam(r, "farmID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req []slotSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	specs := make([]model.SlotSpec, 0, len(req))
	for _, sr := range req {
		from, err := validation.ParseLocalDateTime(sr.From)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		to, err := validation.ParseLocalDateTime(sr.To)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		if sr.NumDeliveries <= 0 || to.Before(from) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}

		specs = append(specs, model.SlotSpec{
			NumDeliveries: sr.NumDeliveries,
			From:          from,
			To:            to,
		})
	}

	inserted, err := h.service.CreateSlots(r.Context(), farmID, specs)
	if err != nil {
		if errors.Is(err, service.ErrFarmNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("create slots error", zap.Error(err), zap.Int64("farmID", farmID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(createSlotsResponse{Inserted: inserted}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type slotResponse struct {
	SlotID           int64  `json:"slotId"`
	FarmID           int64  `json:"farmId"`
	DeliveryDate     string `json:"deliveryDate"`
	From             string `json:"from"`
	To               string `json:"to"`
	AvailDeliveries  int    `json:"availDeliveries"`
	BookedDeliveries int    `json:"bookedDeliveries"`
}

// GetSlots возвращает слоты фермы с доступными доставками. Без параметров
// begin/end используется окно от сегодняшнего дня (UTC) до +14 дней.
func (h *Handler) GetSlots(w http.ResponseWriter, r *http.Request) {
	farmID, err := validation.ParseID(chi.URLParam(r, "farmID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	beginDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	endDate := beginDate.Add(defaultListingWindow)

	if v := r.URL.Query().Get("begin"); v != "" {
		beginDate, err = validation.ParseDate(v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		endDate, err = validation.ParseDate(v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	slots, err := h.service.GetSlots(r.Context(), farmID, beginDate, endDate)
	if err != nil {
		h.logger.Error("get slots error", zap.Error(err), zap.Int64("farmID", farmID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(slots) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		resp = append(resp, slotResponse{
			SlotID:           s.ID,
			FarmID:           s.FarmID,
			DeliveryDate:     s.DeliveryDate.Format("2006-01-02"),
			From:             s.From.Format("2006-01-02T15:04:05"),
			To:               s.To.Format("2006-01-02T15:04:05"),
			AvailDeliveries:  s.AvailDeliveries,
			BookedDeliveries: s.BookedDeliveries,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type bookDeliveryRequest struct {
	SlotID int64 `json:"slotId"`
	UserID int64 `json:"userId"`
}

type deliveryResponse struct {
	DeliveryID int64 `json:"deliveryId"`
}

// BookDelivery бронирует доставку в слоте фермы для пользователя.
// Исчерпанная вместимость — ожидаемый исход, отдаётся как 409 без
// логирования на уровне ошибок.
func (h *Handler) BookDelivery(w http.ResponseWriter, r *http.Request) {
	farmID, err := validation.ParseID(chi.URLParam(r, "farmID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req bookDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if validation.CheckID(req.SlotID) != nil || validation.CheckID(req.UserID) != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	delivery, err := h.service.BookDelivery(r.Context(), farmID, req.SlotID, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNoDeliveryAvailable) {
			http.Error(w, "no delivery available in this slot", http.StatusConflict)
			return
		}
		h.logger.Error("book delivery error", zap.Error(err),
			zap.Int64("farmID", farmID), zap.Int64("slotID", req.SlotID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(deliveryResponse{DeliveryID: delivery.ID}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
