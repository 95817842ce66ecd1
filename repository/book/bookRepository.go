// repository/book/repo.go
package bookrepo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dryzhenko/library-service/model"
)

// ErrNoStock is returned by DecrementInventory when no copies are left.
var ErrNoStock = errors.New("book out of stock")

type Repo interface {
	Create(ctx context.Context, b *model.Book) (int64, error)
	Update(ctx context.Context, b *model.Book) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]model.Book, error)
	Detail(ctx context.Context, id int64) (*model.Book, error)

	// Inventory mutations run inside the caller's transaction so the
	// borrowing ledger write commits or rolls back together with them.
	DecrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error
	IncrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error
}

type repo struct{ db *sql.DB }

func New(db *sql.DB) Repo { return &repo{db: db} }

func (r *repo) Create(ctx context.Context, b *model.Book) (int64, error) {
	const q = `
INSERT INTO books (title, author, cover, inventory, daily_fee)
VALUES ($1,$2,$3,$4,$5)
RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, q, b.Title, b.Author, b.Cover, b.Inventory, b.DailyFee).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *repo) Update(ctx context.Context, b *model.Book) error {
	const q = `
UPDATE books
SET title=$2, author=$3, cover=$4, inventory=$5, daily_fee=$6
WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q, b.ID, b.Title, b.Author, b.Cover, b.Inventory, b.DailyFee)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *repo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM books WHERE id=$1`, id)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *repo) List(ctx context.Context) ([]model.Book, error) {
	const q = `
	SELECT id, title, author, cover, inventory, daily_fee
	FROM books
	ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Book
	for rows.Next() {
		var b model.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.Cover, &b.Inventory, &b.DailyFee); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *repo) Detail(ctx context.Context, id int64) (*model.Book, error) {
	const q = `
SELECT id, title, author, cover, inventory, daily_fee
FROM books
WHERE id=$1`
	var b model.Book
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&b.ID, &b.Title, &b.Author, &b.Cover, &b.Inventory, &b.DailyFee); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *repo) DecrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error {
	// Guard: single read-modify-write, never below zero. Two concurrent
	// borrows of the last copy race here and exactly one wins.
	const q = `
			UPDATE books
			SET inventory = inventory - 1
			WHERE id = $1
			AND inventory > 0`
	res, err := tx.ExecContext(ctx, q, bookID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return ErrNoStock
	}
	return nil
}

func (r *repo) IncrementInventory(ctx context.Context, tx *sql.Tx, bookID int64) error {
	const q = `
			UPDATE books
			SET inventory = inventory + 1
			WHERE id = $1`
	_, err := tx.ExecContext(ctx, q, bookID)
	return err
}
