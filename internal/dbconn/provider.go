// Package dbconn управляет жизненным циклом соединения с базой данных:
// аутентификацией, проверкой живости и восстановлением после сбоев.
package dbconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrUnavailable возвращается, когда соединение не удалось установить или восстановить.
// Ошибка фатальна для текущего запроса, но не для процесса: следующий вызов
// WithConn предпримет новую попытку подключения.
var ErrUnavailable = errors.New("database connection unavailable")

const (
	defaultPingTimeout = 1 * time.Second
	defaultBackoff     = 1 * time.Second
)

// Conn описывает подмножество *pgx.Conn, используемое репозиторием.
// Интерфейс позволяет тестировать политику переподключения без живой БД.
type Conn interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
}

// ConnectFunc устанавливает новое соединение с базой данных.
// В токен-режиме каждая попытка генерирует свежий токен аутентификации.
type ConnectFunc func(ctx context.Context) (Conn, error)

// Provider владеет единственным соединением с БД и выдаёт его репозиторию
// через WithConn. Соединение не кэшируется на время жизни процесса: рабочая
// среда может переиспользовать процесс с устаревшим соединением, поэтому
// проверка живости выполняется непосредственно перед каждой транзакционной
// операцией.
type Provider struct {
	mu      sync.Mutex
	conn    Conn
	connect ConnectFunc

	pingTimeout time.Duration
	backoff     time.Duration

	logger *zap.Logger
}

// NewProvider создаёт провайдер соединений с указанной функцией подключения.
func NewProvider(connect ConnectFunc, logger *zap.Logger) *Provider {
	return &Provider{
		connect:     connect,
		pingTimeout: defaultPingTimeout,
		backoff:     defaultBackoff,
		logger:      logger,
	}
}

// WithConn выдаёт живое соединение в монопольное пользование на время одной
// операции: мьютекс удерживается до возврата fn, так что *pgx.Conn, не
// рассчитанный на конкурентное использование, никогда не делится между
// одновременными запросами.
func (p *Provider) WithConn(ctx context.Context, fn func(Conn) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.refresh(ctx)
	if err != nil {
		return err
	}

	return fn(conn)
}

// refresh возвращает живое соединение. Существующее соединение проверяется
// коротким пингом и при успехе переиспользуется; иначе оно закрывается и
// устанавливается новое с одной повторной попыткой через фиксированную паузу.
// Обе неудачные попытки подряд дают ErrUnavailable.
// Вызывается только под p.mu.
func (p *Provider) refresh(ctx context.Context) (Conn, error) {
	if p.conn != nil {
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
		err := p.conn.Ping(pingCtx)
		cancel()
		if err == nil {
			return p.conn, nil
		}

		p.logger.Warn("database connection failed liveness check", zap.Error(err))
		_ = p.conn.Close(ctx)
		p.conn = nil
	}

	var conn Conn
	b := retry.WithMaxRetries(1, retry.NewConstant(p.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, err := p.connect(ctx)
		if err != nil {
			p.logger.Warn("database connection attempt failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		p.logger.Error("database reconnection failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	p.conn = conn
	return p.conn, nil
}

// Close закрывает удерживаемое соединение, если оно есть.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}

	err := p.conn.Close(ctx)
	p.conn = nil
	return err
}

// IsConnectionError сообщает, относится ли ошибка к классу сетевых ошибок
// или ошибок соединения PostgreSQL.
func IsConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code)
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
