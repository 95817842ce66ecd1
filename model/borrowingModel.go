// model/borrowing.go
package model

import "time"

// Borrowing is the rental fact record. ActualReturnDate nil means the book
// is still out; once set it is never cleared.
type Borrowing struct {
	ID                 int64      `json:"id"`
	BorrowDate         time.Time  `json:"borrow_date"`
	ExpectedReturnDate time.Time  `json:"expected_return_date"`
	ActualReturnDate   *time.Time `json:"actual_return_date"`
	BookID             int64      `json:"book_id"`
	UserID             int64      `json:"user_id"`
	Book               *Book      `json:"book,omitempty"`
}

// IsActive reports whether the borrowing is still open.
func (b *Borrowing) IsActive() bool { return b.ActualReturnDate == nil }
