package borrowing

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	bookrepo "github.com/dryzhenko/library-service/repository/book"
	borrowingrepo "github.com/dryzhenko/library-service/repository/borrowing"
	"github.com/dryzhenko/library-service/repository/notifier"

	"github.com/dryzhenko/library-service/model"
)

// errors used by controllers

type ErrCode string

const (
	ErrBookNotFound    ErrCode = "BOOK_NOT_FOUND"
	ErrOutOfStock      ErrCode = "OUT_OF_STOCK"
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrAlreadyReturned ErrCode = "ALREADY_RETURNED"
	ErrBadInput        ErrCode = "BAD_INPUT"
)

type codedError struct{ code ErrCode }

func (e codedError) Error() string { return string(e.code) }
func (e codedError) Code() ErrCode { return e.code }
func makeErr(c ErrCode) error      { return codedError{code: c} }

// Code extracts error code
func Code(err error) ErrCode {
	var ce interface{ Code() ErrCode }
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return ""
}

// ListQuery carries the raw query parameters; the service resolves them
// against the requester's privileges.
type ListQuery struct {
	UserID   string
	IsActive string
}

type BookStore interface {
	Detail(ctx context.Context, id int64) (*model.Book, error)
	DecrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error
	IncrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error
}

type Ledger interface {
	Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error)
	Get(ctx context.Context, id int64) (*model.Borrowing, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error)
	Close(ctx context.Context, tx *sql.Tx, id int64, returnedAt time.Time) error
	List(ctx context.Context, f borrowingrepo.Filter) ([]model.Borrowing, error)
}

type Service interface {
	// Create: borrow one copy for the requester, decrementing inventory.
	Create(ctx context.Context, userID int64, borrowDate, expectedReturnDate time.Time, bookID int64) (*model.Borrowing, error)

	// Return: close an open borrowing and free the copy.
	Return(ctx context.Context, requesterID int64, isAdmin bool, borrowingID int64, returnedAt *time.Time) (*model.Borrowing, error)

	// Get: fetch one borrowing, scoped to the requester unless admin.
	Get(ctx context.Context, requesterID int64, isAdmin bool, borrowingID int64) (*model.Borrowing, error)

	// List: borrowings scoped per requester privileges and query filters.
	List(ctx context.Context, requesterID int64, isAdmin bool, q ListQuery) ([]model.Borrowing, error)
}

// ----- Service implementation -----

type service struct {
	db    *sql.DB
	books BookStore
	led   Ledger
	n     notifier.Notifier
}

func New(db *sql.DB, books BookStore, led Ledger, n notifier.Notifier) Service {
	return &service{db: db, books: books, led: led, n: n}
}

// Create validates stock before touching anything, then decrements the
// inventory and appends the ledger row in one transaction.
func (s *service) Create(ctx context.Context, userID int64, borrowDate, expectedReturnDate time.Time, bookID int64) (b *model.Borrowing, err error) {
	if expectedReturnDate.Before(borrowDate) {
		return nil, makeErr(ErrBadInput)
	}

	book, err := s.books.Detail(ctx, bookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, makeErr(ErrBookNotFound)
		}
		return nil, err
	}
	if book.Inventory == 0 {
		return nil, makeErr(ErrOutOfStock)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.books.DecrementInventory(ctx, tx, bookID); err != nil {
		if errors.Is(err, bookrepo.ErrNoStock) {
			// lost the race against a concurrent borrow of the last copy
			return nil, makeErr(ErrOutOfStock)
		}
		return nil, err
	}

	b = &model.Borrowing{
		BorrowDate:         borrowDate,
		ExpectedReturnDate: expectedReturnDate,
		BookID:             bookID,
		UserID:             userID,
	}
	id, err := s.led.Insert(ctx, tx, b)
	if err != nil {
		return nil, err
	}
	b.ID = id

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	// fire-and-forget; the caller never waits on or learns about the outcome
	go func() {
		_ = s.n.NotifyBorrowing(context.Background(), book, userID)
	}()

	return b, nil
}

// Return closes the record and puts the copy back. Non-admins only see
// their own records, so returning someone else's reads as not found.
func (s *service) Return(ctx context.Context, requesterID int64, isAdmin bool, borrowingID int64, returnedAt *time.Time) (b *model.Borrowing, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	b, err = s.led.GetForUpdate(ctx, tx, borrowingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, makeErr(ErrNotFound)
		}
		return nil, err
	}
	if !isAdmin && b.UserID != requesterID {
		return nil, makeErr(ErrNotFound)
	}
	if b.ActualReturnDate != nil {
		return nil, makeErr(ErrAlreadyReturned)
	}

	at := time.Now().UTC()
	if returnedAt != nil {
		at = *returnedAt
	}

	if err = s.books.IncrementInventory(ctx, tx, b.BookID); err != nil {
		return nil, err
	}
	if err = s.led.Close(ctx, tx, borrowingID, at); err != nil {
		if errors.Is(err, borrowingrepo.ErrAlreadyClosed) {
			return nil, makeErr(ErrAlreadyReturned)
		}
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	b.ActualReturnDate = &at
	return b, nil
}

func (s *service) Get(ctx context.Context, requesterID int64, isAdmin bool, borrowingID int64) (*model.Borrowing, error) {
	b, err := s.led.Get(ctx, borrowingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, makeErr(ErrNotFound)
		}
		return nil, err
	}
	if !isAdmin && b.UserID != requesterID {
		return nil, makeErr(ErrNotFound)
	}
	return b, nil
}

func (s *service) List(ctx context.Context, requesterID int64, isAdmin bool, q ListQuery) ([]model.Borrowing, error) {
	f := borrowingrepo.Filter{}

	if isAdmin {
		if q.UserID != "" {
			if uid, err := strconv.ParseInt(q.UserID, 10, 64); err == nil {
				f.UserID = &uid
			}
		}
	} else {
		// non-admins are always scoped to themselves, whatever they ask for
		f.UserID = &requesterID
	}

	switch strings.ToLower(q.IsActive) {
	case "true":
		t := true
		f.IsActive = &t
	case "false":
		fl := false
		f.IsActive = &fl
	}

	return s.led.List(ctx, f)
}
