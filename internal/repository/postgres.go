// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/slotservice/internal/dbconn"
	"github.com/mmeshcher/slotservice/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoDeliveryAvailable возвращается, когда в слоте не осталось свободных
// доставок либо пара (слот, ферма) не существует. Это ожидаемый бизнес-исход,
// а не инфраструктурный сбой.
var (
	ErrNoDeliveryAvailable = errors.New("no delivery available in this slot")
	// ErrSlotListIncomplete возвращается, если массовая вставка затронула не все
	// строки и была откатана: ни один слот из запроса не сохранён.
	ErrSlotListIncomplete = errors.New("slot list insert incomplete, rolled back")
	// ErrInvalidSlot возвращается при нарушении ограничения на вместимость слота.
	ErrInvalidSlot = errors.New("invalid slot")
)

// wrapStatementError помечает ошибки класса соединения как dbconn.ErrUnavailable,
// чтобы вызывающая сторона отличала потерю сессии от ошибки запроса.
func wrapStatementError(op string, err error) error {
	if dbconn.IsConnectionError(err) {
		return fmt.Errorf("%w: %s: %v", dbconn.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Provider выдаёт живое соединение с БД в монопольное пользование на время
// одной операции.
type Provider interface {
	WithConn(ctx context.Context, fn func(dbconn.Conn) error) error
	Close(ctx context.Context) error
}

// SlotRepository предоставляет доступ к хранилищу слотов и бронирований.
type SlotRepository struct {
	provider Provider
}

// NewSlotRepository создаёт репозиторий поверх провайдера соединений.
func NewSlotRepository(provider Provider) *SlotRepository {
	return &SlotRepository{provider: provider}
}

// RunMigrations инициализирует схему БД через goose. Выполняется по DSN со
// статическими учётными данными: провижининг схемы — привилегированная
// операция, недоступная токен-режиму.
func RunMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает соединение с БД.
func (r *SlotRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.provider.Close(ctx)
}

// InsertSlots сохраняет список слотов по принципу «все или ничего»: при
// несовпадении числа затронутых строк с размером списка транзакция
// откатывается и не сохраняется ни один слот.
func (r *SlotRepository) InsertSlots(ctx context.Context, slots []model.Slot) (int, error) {
	inserted := 0
	err := r.provider.WithConn(ctx, func(conn dbconn.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, s := range slots {
			tag, err := tx.Exec(ctx,
				`INSERT INTO slots (delivery_date, slot_from, slot_to, avail_deliveries, booked_deliveries, farm_id)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				s.DeliveryDate, s.From, s.To, s.AvailDeliveries, s.BookedDeliveries, s.FarmID,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
					return fmt.Errorf("%w: farm %d", ErrInvalidSlot, s.FarmID)
				}
				return wrapStatementError("insert slot", err)
			}
			inserted += int(tag.RowsAffected())
		}

		if inserted != len(slots) {
			inserted = 0
			return ErrSlotListIncomplete
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// GetSlots возвращает слоты фермы с доставками в наличии, у которых дата
// доставки попадает в интервал [beginDate, endDate] включительно.
// Распроданные слоты в выдачу не попадают.
func (r *SlotRepository) GetSlots(ctx context.Context, farmID int64, beginDate, endDate time.Time) ([]model.Slot, error) {
	var slots []model.Slot
	err := r.provider.WithConn(ctx, func(conn dbconn.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT slot_id, delivery_date, slot_from, slot_to, avail_deliveries, booked_deliveries, farm_id
			 FROM slots
			 WHERE farm_id = $1
			   AND delivery_date BETWEEN $2 AND $3
			   AND avail_deliveries > 0
			 ORDER BY slot_from`,
			farmID, beginDate, endDate,
		)
		if err != nil {
			return wrapStatementError("select slots", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s model.Slot
			if err := rows.Scan(&s.ID, &s.DeliveryDate, &s.From, &s.To, &s.AvailDeliveries, &s.BookedDeliveries, &s.FarmID); err != nil {
				return fmt.Errorf("scan slot: %w", err)
			}
			slots = append(slots, s)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return slots, nil
}

// BookDelivery бронирует одну доставку в слоте. Списание вместимости и
// создание записи о бронировании выполняются в одной транзакции: либо
// фиксируются обе, либо ни одна.
//
// Контроль конкурентности — условный UPDATE с предикатом avail_deliveries > 0:
// проверка и списание выполняются одним атомарным оператором, поэтому из N
// конкурентных бронирований последней доставки успешно ровно одно. Разносить
// проверку и запись по отдельным запросам нельзя.
func (r *SlotRepository) BookDelivery(ctx context.Context, farmID, slotID, userID int64) (*model.Delivery, error) {
	var delivery *model.Delivery
	err := r.provider.WithConn(ctx, func(conn dbconn.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE slots
			 SET avail_deliveries = avail_deliveries - 1,
			     booked_deliveries = booked_deliveries + 1
			 WHERE slot_id = $1 AND farm_id = $2 AND avail_deliveries > 0`,
			slotID, farmID,
		)
		if err != nil {
			return wrapStatementError("decrement slot capacity", err)
		}

		if tag.RowsAffected() == 0 {
			// Вместимость исчерпана или слот не принадлежит ферме. UPDATE не
			// затронул ни одной строки, откат через defer лишь освобождает транзакцию.
			return ErrNoDeliveryAvailable
		}

		var deliveryID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO deliveries (farm_id, slot_id, user_id) VALUES ($1, $2, $3) RETURNING delivery_id`,
			farmID, slotID, userID,
		).Scan(&deliveryID)
		if err != nil {
			return wrapStatementError("insert delivery", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		delivery = &model.Delivery{
			ID:     deliveryID,
			FarmID: farmID,
			SlotID: slotID,
			UserID: userID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return delivery, nil
}
