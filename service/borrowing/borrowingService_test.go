package borrowing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/dryzhenko/library-service/model"
	bookrepo "github.com/dryzhenko/library-service/repository/book"
	borrowingrepo "github.com/dryzhenko/library-service/repository/borrowing"
)

type bookStoreMock struct {
	detailFn func(ctx context.Context, id int64) (*model.Book, error)
	decFn    func(ctx context.Context, tx *sql.Tx, bookID int64) error
	incFn    func(ctx context.Context, tx *sql.Tx, bookID int64) error
}

func (m *bookStoreMock) Detail(ctx context.Context, id int64) (*model.Book, error) {
	return m.detailFn(ctx, id)
}
func (m *bookStoreMock) DecrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error {
	if m.decFn == nil {
		return nil
	}
	return m.decFn(ctx, tx, bookID)
}
func (m *bookStoreMock) IncrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error {
	if m.incFn == nil {
		return nil
	}
	return m.incFn(ctx, tx, bookID)
}

type ledgerMock struct {
	insertFn       func(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error)
	getFn          func(ctx context.Context, id int64) (*model.Borrowing, error)
	getForUpdateFn func(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error)
	closeFn        func(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error
	listFn         func(ctx context.Context, f borrowingrepo.Filter) ([]model.Borrowing, error)
}

func (m *ledgerMock) Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error) {
	return m.insertFn(ctx, tx, b)
}
func (m *ledgerMock) Get(ctx context.Context, id int64) (*model.Borrowing, error) {
	return m.getFn(ctx, id)
}
func (m *ledgerMock) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
	return m.getForUpdateFn(ctx, tx, id)
}
func (m *ledgerMock) Close(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	return m.closeFn(ctx, tx, id, at)
}
func (m *ledgerMock) List(ctx context.Context, f borrowingrepo.Filter) ([]model.Borrowing, error) {
	return m.listFn(ctx, f)
}

type notifierMock struct {
	ch  chan int64
	err error
}

func newNotifierMock() *notifierMock { return &notifierMock{ch: make(chan int64, 1)} }

func (m *notifierMock) NotifyBorrowing(ctx context.Context, book *model.Book, userID int64) error {
	m.ch <- userID
	return m.err
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var (
	borrowDate = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	expected   = time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)
)

func stockedBook(inv int64) *model.Book {
	return &model.Book{ID: 10, Title: "Kobzar", Author: "Taras Shevchenko", Cover: model.CoverHard, Inventory: inv, DailyFee: 5.00}
}

// --- Create ---

func TestCreate_OutOfStock_NoMutation(t *testing.T) {
	db, mock := newMockDB(t)

	decCalled := false
	books := &bookStoreMock{
		detailFn: func(ctx context.Context, id int64) (*model.Book, error) { return stockedBook(0), nil },
		decFn: func(ctx context.Context, tx *sql.Tx, bookID int64) error {
			decCalled = true
			return nil
		},
	}
	led := &ledgerMock{
		insertFn: func(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error) {
			t.Fatal("ledger insert must not run for out-of-stock book")
			return 0, nil
		},
	}
	s := New(db, books, led, newNotifierMock())

	_, err := s.Create(context.Background(), 1, borrowDate, expected, 10)
	require.Error(t, err)
	require.Equal(t, ErrOutOfStock, Code(err))
	require.False(t, decCalled, "stock check must happen before any mutation")
	require.NoError(t, mock.ExpectationsWereMet(), "no transaction should have been opened")
}

func TestCreate_BookNotFound(t *testing.T) {
	db, _ := newMockDB(t)

	books := &bookStoreMock{
		detailFn: func(ctx context.Context, id int64) (*model.Book, error) { return nil, sql.ErrNoRows },
	}
	s := New(db, books, &ledgerMock{}, newNotifierMock())

	_, err := s.Create(context.Background(), 1, borrowDate, expected, 404)
	require.Equal(t, ErrBookNotFound, Code(err))
}

func TestCreate_ExpectedBeforeBorrow(t *testing.T) {
	db, _ := newMockDB(t)
	s := New(db, &bookStoreMock{}, &ledgerMock{}, newNotifierMock())

	_, err := s.Create(context.Background(), 1, expected, borrowDate, 10)
	require.Equal(t, ErrBadInput, Code(err))
}

func TestCreate_Success(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	decs := 0
	books := &bookStoreMock{
		detailFn: func(ctx context.Context, id int64) (*model.Book, error) { return stockedBook(1), nil },
		decFn: func(ctx context.Context, tx *sql.Tx, bookID int64) error {
			decs++
			require.Equal(t, int64(10), bookID)
			return nil
		},
	}
	var inserted *model.Borrowing
	led := &ledgerMock{
		insertFn: func(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error) {
			inserted = b
			return 77, nil
		},
	}
	n := newNotifierMock()
	s := New(db, books, led, n)

	out, err := s.Create(context.Background(), 5, borrowDate, expected, 10)
	require.NoError(t, err)
	require.Equal(t, int64(77), out.ID)
	require.Equal(t, 1, decs, "inventory decremented exactly once")

	require.NotNil(t, inserted)
	require.Equal(t, int64(5), inserted.UserID, "record owned by the requester")
	require.Nil(t, inserted.ActualReturnDate, "new record starts open")
	require.Equal(t, borrowDate, inserted.BorrowDate)
	require.Equal(t, expected, inserted.ExpectedReturnDate)

	select {
	case uid := <-n.ch:
		require.Equal(t, int64(5), uid)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was never invoked")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_LostRaceOnLastCopy(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	books := &bookStoreMock{
		detailFn: func(ctx context.Context, id int64) (*model.Book, error) { return stockedBook(1), nil },
		decFn: func(ctx context.Context, tx *sql.Tx, bookID int64) error {
			// a concurrent borrow took the last copy between check and write
			return bookrepo.ErrNoStock
		},
	}
	led := &ledgerMock{
		insertFn: func(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error) {
			t.Fatal("ledger insert must not run after a failed decrement")
			return 0, nil
		},
	}
	s := New(db, books, led, newNotifierMock())

	_, err := s.Create(context.Background(), 1, borrowDate, expected, 10)
	require.Equal(t, ErrOutOfStock, Code(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_InsertFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	books := &bookStoreMock{
		detailFn: func(ctx context.Context, id int64) (*model.Book, error) { return stockedBook(3), nil },
	}
	led := &ledgerMock{
		insertFn: func(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error) {
			return 0, errors.New("constraint violation")
		},
	}
	n := newNotifierMock()
	s := New(db, books, led, n)

	_, err := s.Create(context.Background(), 1, borrowDate, expected, 10)
	require.Error(t, err)
	require.Empty(t, n.ch, "no notification for a failed borrowing")
	require.NoError(t, mock.ExpectationsWereMet(), "decrement must roll back with the failed insert")
}

func TestCreate_NotifierErrorIgnored(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	books := &bookStoreMock{
		detailFn: func(ctx context.Context, id int64) (*model.Book, error) { return stockedBook(2), nil },
	}
	led := &ledgerMock{
		insertFn: func(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error) { return 1, nil },
	}
	n := newNotifierMock()
	n.err = errors.New("telegram down")
	s := New(db, books, led, n)

	out, err := s.Create(context.Background(), 1, borrowDate, expected, 10)
	require.NoError(t, err, "notifier failure never reaches the caller")
	require.NotNil(t, out)
	<-n.ch
}

// --- Return ---

func openBorrowing() *model.Borrowing {
	return &model.Borrowing{ID: 77, BorrowDate: borrowDate, ExpectedReturnDate: expected, BookID: 10, UserID: 5}
}

func TestReturn_Success(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	incs := 0
	books := &bookStoreMock{
		incFn: func(ctx context.Context, tx *sql.Tx, bookID int64) error {
			incs++
			require.Equal(t, int64(10), bookID)
			return nil
		},
	}
	at := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	led := &ledgerMock{
		getForUpdateFn: func(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
			return openBorrowing(), nil
		},
		closeFn: func(ctx context.Context, tx *sql.Tx, id int64, got time.Time) error {
			require.Equal(t, int64(77), id)
			require.Equal(t, at, got)
			return nil
		},
	}
	s := New(db, books, led, newNotifierMock())

	out, err := s.Return(context.Background(), 5, false, 77, &at)
	require.NoError(t, err)
	require.Equal(t, 1, incs, "inventory incremented exactly once")
	require.NotNil(t, out.ActualReturnDate)
	require.Equal(t, at, *out.ActualReturnDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReturn_DefaultsToNow(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	var closedAt time.Time
	led := &ledgerMock{
		getForUpdateFn: func(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
			return openBorrowing(), nil
		},
		closeFn: func(ctx context.Context, tx *sql.Tx, id int64, got time.Time) error {
			closedAt = got
			return nil
		},
	}
	s := New(db, &bookStoreMock{}, led, newNotifierMock())

	before := time.Now().UTC()
	out, err := s.Return(context.Background(), 5, false, 77, nil)
	require.NoError(t, err)
	require.False(t, closedAt.Before(before))
	require.False(t, closedAt.After(time.Now().UTC()))
	require.Equal(t, closedAt, *out.ActualReturnDate)
}

func TestReturn_AlreadyReturned_NoMutation(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	books := &bookStoreMock{
		incFn: func(ctx context.Context, tx *sql.Tx, bookID int64) error {
			t.Fatal("inventory must not change for an already returned record")
			return nil
		},
	}
	led := &ledgerMock{
		getForUpdateFn: func(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
			b := openBorrowing()
			at := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
			b.ActualReturnDate = &at
			return b, nil
		},
	}
	s := New(db, books, led, newNotifierMock())

	_, err := s.Return(context.Background(), 5, false, 77, nil)
	require.Equal(t, ErrAlreadyReturned, Code(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReturn_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	led := &ledgerMock{
		getForUpdateFn: func(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
			return nil, sql.ErrNoRows
		},
	}
	s := New(db, &bookStoreMock{}, led, newNotifierMock())

	_, err := s.Return(context.Background(), 5, false, 404, nil)
	require.Equal(t, ErrNotFound, Code(err))
}

func TestReturn_OtherUsersRecordReadsAsMissing(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	led := &ledgerMock{
		getForUpdateFn: func(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
			return openBorrowing(), nil // owned by user 5
		},
	}
	s := New(db, &bookStoreMock{}, led, newNotifierMock())

	_, err := s.Return(context.Background(), 9, false, 77, nil)
	require.Equal(t, ErrNotFound, Code(err))
}

func TestReturn_AdminCanCloseAnyRecord(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	led := &ledgerMock{
		getForUpdateFn: func(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
			return openBorrowing(), nil
		},
		closeFn: func(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error { return nil },
	}
	s := New(db, &bookStoreMock{}, led, newNotifierMock())

	_, err := s.Return(context.Background(), 9, true, 77, nil)
	require.NoError(t, err)
}

// --- Get / List ---

func TestGet_ScopedToOwner(t *testing.T) {
	db, _ := newMockDB(t)
	led := &ledgerMock{
		getFn: func(ctx context.Context, id int64) (*model.Borrowing, error) { return openBorrowing(), nil },
	}
	s := New(db, &bookStoreMock{}, led, newNotifierMock())

	_, err := s.Get(context.Background(), 9, false, 77)
	require.Equal(t, ErrNotFound, Code(err))

	out, err := s.Get(context.Background(), 5, false, 77)
	require.NoError(t, err)
	require.Equal(t, int64(77), out.ID)

	out, err = s.Get(context.Background(), 9, true, 77)
	require.NoError(t, err)
	require.Equal(t, int64(77), out.ID)
}

func listCapture(captured *borrowingrepo.Filter) *ledgerMock {
	return &ledgerMock{
		listFn: func(ctx context.Context, f borrowingrepo.Filter) ([]model.Borrowing, error) {
			*captured = f
			return nil, nil
		},
	}
}

func TestList_NonAdminAlwaysScopedToSelf(t *testing.T) {
	db, _ := newMockDB(t)
	var f borrowingrepo.Filter
	s := New(db, &bookStoreMock{}, listCapture(&f), newNotifierMock())

	_, err := s.List(context.Background(), 1, false, ListQuery{UserID: "999"})
	require.NoError(t, err)
	require.NotNil(t, f.UserID)
	require.Equal(t, int64(1), *f.UserID, "supplied user_id must be ignored for non-admins")
}

func TestList_AdminUserFilter(t *testing.T) {
	db, _ := newMockDB(t)
	var f borrowingrepo.Filter
	s := New(db, &bookStoreMock{}, listCapture(&f), newNotifierMock())

	_, err := s.List(context.Background(), 1, true, ListQuery{UserID: "42"})
	require.NoError(t, err)
	require.NotNil(t, f.UserID)
	require.Equal(t, int64(42), *f.UserID)

	_, err = s.List(context.Background(), 1, true, ListQuery{})
	require.NoError(t, err)
	require.Nil(t, f.UserID, "admin without filter sees all records")
}

func TestList_IsActiveFilter(t *testing.T) {
	db, _ := newMockDB(t)
	var f borrowingrepo.Filter
	s := New(db, &bookStoreMock{}, listCapture(&f), newNotifierMock())

	cases := []struct {
		raw  string
		want *bool
	}{
		{"true", ptr(true)},
		{"TRUE", ptr(true)},
		{"false", ptr(false)},
		{"banana", nil},
		{"", nil},
	}
	for _, tc := range cases {
		_, err := s.List(context.Background(), 1, true, ListQuery{IsActive: tc.raw})
		require.NoError(t, err)
		if tc.want == nil {
			require.Nil(t, f.IsActive, "is_active=%q", tc.raw)
		} else {
			require.NotNil(t, f.IsActive, "is_active=%q", tc.raw)
			require.Equal(t, *tc.want, *f.IsActive, "is_active=%q", tc.raw)
		}
	}
}

func ptr(b bool) *bool { return &b }
