// Package service реализует бизнес-логику сервиса слотов доставки.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/slotservice/internal/farms"
	"github.com/mmeshcher/slotservice/internal/model"
)

// ErrFarmNotFound возвращается, если ферма не зарегистрирована в сервисе управления фермами.
var ErrFarmNotFound = errors.New("farm not found")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InsertSlots(ctx context.Context, slots []model.Slot) (int, error)
	GetSlots(ctx context.Context, farmID int64, beginDate, endDate time.Time) ([]model.Slot, error)
	BookDelivery(ctx context.Context, farmID, slotID, userID int64) (*model.Delivery, error)
}

// Service содержит бизнес-логику работы со слотами и бронированиями.
type Service struct {
	repo       Repository
	farmClient *farms.Client
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом сервиса ферм.
func NewService(repo Repository, farmClient *farms.Client) *Service {
	return &Service{
		repo:       repo,
		farmClient: farmClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateSlots создаёт слоты фермы по списку спецификаций. Пустой список —
// no-op без обращения к базе. Возвращает число сохранённых слотов.
func (s *Service) CreateSlots(ctx context.Context, farmID int64, specs []model.SlotSpec) (int, error) {
	if len(specs) == 0 {
		return 0, nil
	}

	if s.farmClient != nil {
		exists, err := s.farmClient.FarmExists(ctx, farmID)
		if err != nil {
			return 0, fmt.Errorf("check farm: %w", err)
		}
		if !exists {
			return 0, fmt.Errorf("%w: %d", ErrFarmNotFound, farmID)
		}
	}

	slots := make([]model.Slot, 0, len(specs))
	for _, spec := range specs {
		slots = append(slots, model.Slot{
			FarmID:           farmID,
			DeliveryDate:     time.Date(spec.From.Year(), spec.From.Month(), spec.From.Day(), 0, 0, 0, 0, time.UTC),
			From:             spec.From,
			To:               spec.To,
			AvailDeliveries:  spec.NumDeliveries,
			BookedDeliveries: 0,
		})
	}

	return s.repo.InsertSlots(ctx, slots)
}

// GetSlots возвращает слоты фермы с доступными доставками в интервале дат.
func (s *Service) GetSlots(ctx context.Context, farmID int64, beginDate, endDate time.Time) ([]model.Slot, error) {
	return s.repo.GetSlots(ctx, farmID, beginDate, endDate)
}

// BookDelivery бронирует доставку в слоте для пользователя.
func (s *Service) BookDelivery(ctx context.Context, farmID, slotID, userID int64) (*model.Delivery, error) {
	return s.repo.BookDelivery(ctx, farmID, slotID, userID)
}
