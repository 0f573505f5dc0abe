package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/mmeshcher/slotservice/internal/dbconn"
	"github.com/mmeshcher/slotservice/internal/model"
)

type fakeRow struct {
	id  int64
	err error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.id
	return nil
}

type fakeRows struct {
	slots []model.Slot
	idx   int
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error { return nil }

func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.slots) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	s := r.slots[r.idx-1]
	*(dest[0].(*int64)) = s.ID
	*(dest[1].(*time.Time)) = s.DeliveryDate
	*(dest[2].(*time.Time)) = s.From
	*(dest[3].(*time.Time)) = s.To
	*(dest[4].(*int)) = s.AvailDeliveries
	*(dest[5].(*int)) = s.BookedDeliveries
	*(dest[6].(*int64)) = s.FarmID
	return nil
}

func (r *fakeRows) Values() ([]any, error) { return nil, nil }

func (r *fakeRows) RawValues() [][]byte { return nil }

func (r *fakeRows) Conn() *pgx.Conn { return nil }

type fakeTx struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args []any) pgx.Row

	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) CopyFrom(ctx context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *fakeTx) SendBatch(ctx context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(ctx context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.execFn(sql, args)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.queryRowFn(sql, args)
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

type fakeConn struct {
	beginFn func() pgx.Tx
	queryFn func(sql string, args []any) (pgx.Rows, error)
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) { return c.beginFn(), nil }

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.queryFn(sql, args)
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) Close(ctx context.Context) error { return nil }

// fakeProvider выдаёт соединение без сериализации, имитируя конкурентные
// процессы: корректность бронирований обязана держаться на атомарности
// условного UPDATE, а не на внутрипроцессных блокировках.
type fakeProvider struct {
	conn dbconn.Conn
	err  error
}

func (p *fakeProvider) WithConn(ctx context.Context, fn func(dbconn.Conn) error) error {
	if p.err != nil {
		return p.err
	}
	return fn(p.conn)
}

func (p *fakeProvider) Close(ctx context.Context) error { return nil }

func newRepoWithTx(tx *fakeTx) *SlotRepository {
	return NewSlotRepository(&fakeProvider{
		conn: &fakeConn{beginFn: func() pgx.Tx { return tx }},
	})
}

func testSlots(n int) []model.Slot {
	slots := make([]model.Slot, 0, n)
	for i := 0; i < n; i++ {
		from := time.Date(2020, 1, 1, 10+i, 0, 0, 0, time.UTC)
		slots = append(slots, model.Slot{
			FarmID:          2,
			DeliveryDate:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			From:            from,
			To:              from.Add(time.Hour),
			AvailDeliveries: 2,
		})
	}
	return slots
}

func TestInsertSlots_AllRowsCommitted(t *testing.T) {
	inserted := 0
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			inserted++
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	repo := newRepoWithTx(tx)

	n, err := repo.InsertSlots(context.Background(), testSlots(5))
	if err != nil {
		t.Fatalf("InsertSlots error: %v", err)
	}
	if n != 5 {
		t.Fatalf("inserted = %d, want 5", n)
	}
	if !tx.committed {
		t.Fatalf("transaction was not committed")
	}
	if inserted != 5 {
		t.Fatalf("exec calls = %d, want 5", inserted)
	}
}

func TestInsertSlots_FailureMidListRollsBackEverything(t *testing.T) {
	calls := 0
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			calls++
			if calls == 3 {
				return pgconn.CommandTag{}, errors.New("disk full")
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	repo := newRepoWithTx(tx)

	n, err := repo.InsertSlots(context.Background(), testSlots(5))
	if err == nil {
		t.Fatalf("expected error from failed insert")
	}
	if n != 0 {
		t.Fatalf("inserted = %d, want 0", n)
	}
	if tx.committed {
		t.Fatalf("transaction must not be committed after failure")
	}
	if !tx.rolledBack {
		t.Fatalf("transaction was not rolled back")
	}
	if calls != 3 {
		t.Fatalf("exec calls = %d, want 3 (stop at first failure)", calls)
	}
}

func TestInsertSlots_RowCountMismatchIsDistinguished(t *testing.T) {
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		},
	}
	repo := newRepoWithTx(tx)

	n, err := repo.InsertSlots(context.Background(), testSlots(2))
	if !errors.Is(err, ErrSlotListIncomplete) {
		t.Fatalf("error = %v, want ErrSlotListIncomplete", err)
	}
	if n != 0 {
		t.Fatalf("inserted = %d, want 0", n)
	}
	if tx.committed {
		t.Fatalf("incomplete insert must not be committed")
	}
}

func TestGetSlots_PredicateHidesExhaustedSlots(t *testing.T) {
	from := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	stored := []model.Slot{
		{
			ID:               5,
			FarmID:           2,
			DeliveryDate:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			From:             from,
			To:               from.Add(2 * time.Hour),
			AvailDeliveries:  2,
			BookedDeliveries: 1,
		},
	}

	var selectSQL string
	conn := &fakeConn{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			selectSQL = sql
			return &fakeRows{slots: stored}, nil
		},
	}
	repo := NewSlotRepository(&fakeProvider{conn: conn})

	slots, err := repo.GetSlots(context.Background(), 2,
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("GetSlots error: %v", err)
	}

	// Распроданные слоты отфильтровывает сама выборка.
	if !strings.Contains(selectSQL, "avail_deliveries > 0") {
		t.Fatalf("listing must be guarded by avail_deliveries > 0, got: %s", selectSQL)
	}
	if !strings.Contains(selectSQL, "BETWEEN") {
		t.Fatalf("date range must be inclusive, got: %s", selectSQL)
	}

	if len(slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(slots))
	}
	got := slots[0]
	if got.ID != 5 || got.FarmID != 2 || got.AvailDeliveries != 2 || got.BookedDeliveries != 1 {
		t.Fatalf("unexpected slot: %+v", got)
	}
	if !got.From.Equal(from) || !got.To.Equal(from.Add(2*time.Hour)) {
		t.Fatalf("unexpected slot window: %+v", got)
	}
}

func TestGetSlots_QueryFailure(t *testing.T) {
	conn := &fakeConn{
		queryFn: func(sql string, args []any) (pgx.Rows, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	repo := NewSlotRepository(&fakeProvider{conn: conn})

	_, err := repo.GetSlots(context.Background(), 2,
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC),
	)
	if !errors.Is(err, dbconn.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestBookDelivery_Success(t *testing.T) {
	var insertSQL string
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			if !strings.Contains(sql, "avail_deliveries > 0") {
				t.Fatalf("capacity decrement must be guarded by avail_deliveries > 0, got: %s", sql)
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
		queryRowFn: func(sql string, args []any) pgx.Row {
			insertSQL = sql
			return &fakeRow{id: 7}
		},
	}
	repo := newRepoWithTx(tx)

	d, err := repo.BookDelivery(context.Background(), 2, 10, 42)
	if err != nil {
		t.Fatalf("BookDelivery error: %v", err)
	}
	if d.ID != 7 || d.FarmID != 2 || d.SlotID != 10 || d.UserID != 42 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if !tx.committed {
		t.Fatalf("transaction was not committed")
	}
	if !strings.Contains(insertSQL, "INSERT INTO deliveries") {
		t.Fatalf("delivery insert not executed")
	}
}

func TestBookDelivery_NoCapacityIsCleanRejection(t *testing.T) {
	insertCalled := false
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
		queryRowFn: func(sql string, args []any) pgx.Row {
			insertCalled = true
			return &fakeRow{}
		},
	}
	repo := newRepoWithTx(tx)

	_, err := repo.BookDelivery(context.Background(), 1, 999, 1)
	if !errors.Is(err, ErrNoDeliveryAvailable) {
		t.Fatalf("error = %v, want ErrNoDeliveryAvailable", err)
	}
	if insertCalled {
		t.Fatalf("booking row must not be inserted when capacity update matched no rows")
	}
	if tx.committed {
		t.Fatalf("rejection must not commit")
	}
}

func TestBookDelivery_InsertFailureRollsBackDecrement(t *testing.T) {
	tx := &fakeTx{
		execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
		queryRowFn: func(sql string, args []any) pgx.Row {
			return &fakeRow{err: errors.New("constraint violation")}
		},
	}
	repo := newRepoWithTx(tx)

	_, err := repo.BookDelivery(context.Background(), 2, 10, 42)
	if err == nil {
		t.Fatalf("expected error from failed insert")
	}
	if tx.committed {
		t.Fatalf("failed booking must not be committed")
	}
	if !tx.rolledBack {
		t.Fatalf("capacity decrement was not rolled back")
	}
}

func TestBookDelivery_ProviderFailurePropagates(t *testing.T) {
	repo := NewSlotRepository(&fakeProvider{err: dbconn.ErrUnavailable})

	_, err := repo.BookDelivery(context.Background(), 2, 10, 42)
	if !errors.Is(err, dbconn.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

// Репозиторий работает поверх настоящего провайдера: соединение, не
// рассчитанное на конкурентное использование, не должно оказаться в двух
// одновременных операциях бронирования.
func TestBookDelivery_ConnectionExclusiveUnderLoad(t *testing.T) {
	var inUse atomic.Int32

	enter := func() {
		if !inUse.CompareAndSwap(0, 1) {
			t.Errorf("connection used by two operations at once")
		}
	}
	leave := func() {
		time.Sleep(time.Millisecond)
		inUse.Store(0)
	}

	conn := &fakeConn{
		beginFn: func() pgx.Tx {
			return &fakeTx{
				execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
					enter()
					defer leave()
					return pgconn.NewCommandTag("UPDATE 1"), nil
				},
				queryRowFn: func(sql string, args []any) pgx.Row {
					enter()
					defer leave()
					return &fakeRow{id: 1}
				},
			}
		},
	}

	provider := dbconn.NewProvider(func(ctx context.Context) (dbconn.Conn, error) {
		return conn, nil
	}, zap.NewNop())
	repo := NewSlotRepository(provider)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			if _, err := repo.BookDelivery(context.Background(), 2, 10, userID); err != nil {
				t.Errorf("BookDelivery error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()
}

// Условный UPDATE с предикатом avail_deliveries > 0 — единственный механизм
// защиты от овербукинга. Фейковое соединение воспроизводит атомарность
// строки в БД через CAS: из N конкурентных бронирований при вместимости C
// должны выиграть ровно C.
func TestBookDelivery_NoOversellUnderConcurrency(t *testing.T) {
	const (
		capacity = 5
		bookers  = 20
	)

	var avail atomic.Int32
	avail.Store(capacity)

	var deliverySeq atomic.Int64

	conn := &fakeConn{
		beginFn: func() pgx.Tx {
			return &fakeTx{
				execFn: func(sql string, args []any) (pgconn.CommandTag, error) {
					for {
						cur := avail.Load()
						if cur <= 0 {
							return pgconn.NewCommandTag("UPDATE 0"), nil
						}
						if avail.CompareAndSwap(cur, cur-1) {
							return pgconn.NewCommandTag("UPDATE 1"), nil
						}
					}
				},
				queryRowFn: func(sql string, args []any) pgx.Row {
					return &fakeRow{id: deliverySeq.Add(1)}
				},
			}
		},
	}
	repo := NewSlotRepository(&fakeProvider{conn: conn})

	var (
		wg       sync.WaitGroup
		booked   atomic.Int32
		rejected atomic.Int32
	)

	for i := 0; i < bookers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := repo.BookDelivery(context.Background(), 2, 10, userID)
			switch {
			case err == nil:
				booked.Add(1)
			case errors.Is(err, ErrNoDeliveryAvailable):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if got := booked.Load(); got != capacity {
		t.Fatalf("booked = %d, want %d", got, capacity)
	}
	if got := rejected.Load(); got != bookers-capacity {
		t.Fatalf("rejected = %d, want %d", got, bookers-capacity)
	}
	if got := avail.Load(); got != 0 {
		t.Fatalf("remaining capacity = %d, want 0", got)
	}
	if got := deliverySeq.Load(); got != capacity {
		t.Fatalf("delivery rows = %d, want %d (insert and decrement must not diverge)", got, capacity)
	}
}

func TestWrapStatementError_Classification(t *testing.T) {
	err := wrapStatementError("insert slot", fmt.Errorf("write: broken pipe"))
	if !errors.Is(err, dbconn.ErrUnavailable) {
		t.Fatalf("connection-class error not wrapped as ErrUnavailable: %v", err)
	}

	err = wrapStatementError("insert slot", errors.New("duplicate key"))
	if errors.Is(err, dbconn.ErrUnavailable) {
		t.Fatalf("statement error misclassified as connection error: %v", err)
	}
}
