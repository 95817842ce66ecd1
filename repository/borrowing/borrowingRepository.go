// repository/borrowing/repo.go
package borrowingrepo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dryzhenko/library-service/model"
)

// ErrAlreadyClosed is returned by Close when the record was returned before.
var ErrAlreadyClosed = errors.New("borrowing already closed")

// Filter narrows List. Nil fields mean "no filtering".
type Filter struct {
	UserID   *int64
	IsActive *bool
}

type Repo interface {
	Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error)
	Get(ctx context.Context, id int64) (*model.Borrowing, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error)
	Close(ctx context.Context, tx *sql.Tx, id int64, returnedAt time.Time) error
	List(ctx context.Context, f Filter) ([]model.Borrowing, error)
}

type repo struct{ db *sql.DB }

func New(db *sql.DB) Repo { return &repo{db: db} }

func (r *repo) Insert(ctx context.Context, tx *sql.Tx, b *model.Borrowing) (int64, error) {
	const q = `
		INSERT INTO borrowings (borrow_date, expected_return_date, book_id, user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	var id int64
	if err := tx.QueryRowContext(ctx, q, b.BorrowDate, b.ExpectedReturnDate, b.BookID, b.UserID).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

const selectCols = `
		SELECT id, borrow_date, expected_return_date, actual_return_date, book_id, user_id
		FROM borrowings`

func (r *repo) Get(ctx context.Context, id int64) (*model.Borrowing, error) {
	var b model.Borrowing
	err := r.db.QueryRowContext(ctx, selectCols+` WHERE id = $1`, id).
		Scan(&b.ID, &b.BorrowDate, &b.ExpectedReturnDate, &b.ActualReturnDate, &b.BookID, &b.UserID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *repo) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*model.Borrowing, error) {
	var b model.Borrowing
	err := tx.QueryRowContext(ctx, selectCols+` WHERE id = $1 FOR UPDATE`, id).
		Scan(&b.ID, &b.BorrowDate, &b.ExpectedReturnDate, &b.ActualReturnDate, &b.BookID, &b.UserID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *repo) Close(ctx context.Context, tx *sql.Tx, id int64, returnedAt time.Time) error {
	// Guard: a closed record never reopens and never closes twice.
	const q = `
		UPDATE borrowings
		SET actual_return_date = $2
		WHERE id = $1
		AND actual_return_date IS NULL`
	res, err := tx.ExecContext(ctx, q, id, returnedAt)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

func (r *repo) List(ctx context.Context, f Filter) ([]model.Borrowing, error) {
	const q = `
			SELECT
			br.id, br.borrow_date, br.expected_return_date, br.actual_return_date,
			br.book_id, br.user_id,
			b.id, b.title, b.author, b.cover, b.inventory, b.daily_fee
			FROM borrowings br
			JOIN books b ON b.id = br.book_id
			WHERE ($1::BIGINT IS NULL OR br.user_id = $1)
			AND ($2::BOOLEAN IS NULL OR ($2 AND br.actual_return_date IS NULL) OR (NOT $2 AND br.actual_return_date IS NOT NULL))
			ORDER BY br.id`
	rows, err := r.db.QueryContext(ctx, q, f.UserID, f.IsActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Borrowing
	for rows.Next() {
		var b model.Borrowing
		var bk model.Book
		if err := rows.Scan(
			&b.ID, &b.BorrowDate, &b.ExpectedReturnDate, &b.ActualReturnDate,
			&b.BookID, &b.UserID,
			&bk.ID, &bk.Title, &bk.Author, &bk.Cover, &bk.Inventory, &bk.DailyFee,
		); err != nil {
			return nil, err
		}
		b.Book = &bk
		out = append(out, b)
	}
	return out, rows.Err()
}
