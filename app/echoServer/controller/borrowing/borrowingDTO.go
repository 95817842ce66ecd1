package borrowing

const dateLayout = "2006-01-02"

type CreateBorrowingReq struct {
	BorrowDate         string `json:"borrow_date" validate:"required,datetime=2006-01-02"`
	ExpectedReturnDate string `json:"expected_return_date" validate:"required,datetime=2006-01-02"`
	BookID             int64  `json:"book_id" validate:"required,gt=0"`
}

type ReturnBorrowingReq struct {
	ActualReturnDate string `json:"actual_return_date" validate:"omitempty,datetime=2006-01-02"`
}
