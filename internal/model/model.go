// Package model содержит доменные сущности сервиса слотов доставки.
package model

import "time"

// Slot представляет окно доставки фермы с ограниченной вместимостью.
// ID присваивается базой данных и заполнен только у сохранённых слотов.
type Slot struct {
	ID               int64
	FarmID           int64
	DeliveryDate     time.Time
	From             time.Time
	To               time.Time
	AvailDeliveries  int
	BookedDeliveries int
}

// SlotSpec описывает один создаваемый слот в запросе на массовое создание.
type SlotSpec struct {
	NumDeliveries int
	From          time.Time
	To            time.Time
}

// Delivery идентифицирует успешно забронированную доставку.
type Delivery struct {
	ID     int64
	FarmID int64
	SlotID int64
	UserID int64
}
