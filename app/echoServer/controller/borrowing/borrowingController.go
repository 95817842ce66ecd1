package borrowing

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	bs "github.com/dryzhenko/library-service/service/borrowing"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

type Controller struct {
	Svc bs.Service
	V   *validator.Validate
	Log *slog.Logger
}

func requester(c echo.Context) (int64, bool) {
	uid, _ := c.Get("user_id").(int64)
	role, _ := c.Get("role").(string)
	return uid, role == "admin"
}

// Create a borrowing
// @Summary      Borrow a book
// @Description  Decrements the book's inventory and opens a borrowing record owned by the requester
// @Tags         borrowings
// @Accept       json
// @Produce      json
// @Param        payload  body  CreateBorrowingReq  true  "Borrowing payload"
// @Success      201  {object}  model.Borrowing
// @Failure      400  {object}  map[string]any "out of stock / validation error"
// @Failure      404  {object}  map[string]any "book not found"
// @Security     BearerAuth
// @Router       /v1/borrowings [post]
func (h *Controller) Create(c echo.Context) error {
	var req CreateBorrowingReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid JSON"})
	}
	if err := h.V.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": "validation error",
			"errors":  err.Error(),
		})
	}
	borrowDate, _ := time.Parse(dateLayout, req.BorrowDate)
	expectedReturn, _ := time.Parse(dateLayout, req.ExpectedReturnDate)
	uid, _ := requester(c)

	out, err := h.Svc.Create(c.Request().Context(), uid, borrowDate, expectedReturn, req.BookID)
	if err != nil {
		switch bs.Code(err) {
		case bs.ErrOutOfStock:
			return c.JSON(http.StatusBadRequest, echo.Map{"book_id": "This book is out of stock"})
		case bs.ErrBookNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "book not found"})
		case bs.ErrBadInput:
			return c.JSON(http.StatusBadRequest, echo.Map{"message": "expected_return_date before borrow_date"})
		default:
			h.Log.Error("borrowing create", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}

	return c.JSON(http.StatusCreated, out)
}

// Return a borrowing
// @Summary      Return a borrowed book
// @Description  Marks the borrowing returned and increases the book's inventory
// @Tags         borrowings
// @Accept       json
// @Produce      json
// @Param        id       path  int                 true   "Borrowing id"
// @Param        payload  body  ReturnBorrowingReq  false  "Optional return date"
// @Success      201  {object}  model.Borrowing
// @Failure      400  {object}  map[string]any "already returned"
// @Failure      404  {object}  map[string]any
// @Security     BearerAuth
// @Router       /v1/borrowings/{id}/return [post]
func (h *Controller) Return(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}

	var req ReturnBorrowingReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid JSON"})
	}
	if err := h.V.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "validation error", "errors": err.Error()})
	}
	var returnedAt *time.Time
	if req.ActualReturnDate != "" {
		at, _ := time.Parse(dateLayout, req.ActualReturnDate)
		returnedAt = &at
	}

	uid, admin := requester(c)
	out, err := h.Svc.Return(c.Request().Context(), uid, admin, id, returnedAt)
	if err != nil {
		switch bs.Code(err) {
		case bs.ErrAlreadyReturned:
			return c.JSON(http.StatusBadRequest, echo.Map{"message": "This book has already been returned"})
		case bs.ErrNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "borrowing not found"})
		default:
			h.Log.Error("borrowing return", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusCreated, out)
}

// List borrowings
// @Summary      List borrowings
// @Description  Admins may filter by user_id; everyone may filter by is_active
// @Tags         borrowings
// @Produce      json
// @Param        user_id    query  int     false  "Filter by user (admin only)"
// @Param        is_active  query  string  false  "true = still out, false = returned"
// @Success      200  {object}  map[string]any
// @Security     BearerAuth
// @Router       /v1/borrowings [get]
func (h *Controller) List(c echo.Context) error {
	uid, admin := requester(c)
	rows, err := h.Svc.List(c.Request().Context(), uid, admin, bs.ListQuery{
		UserID:   c.QueryParam("user_id"),
		IsActive: c.QueryParam("is_active"),
	})
	if err != nil {
		h.Log.Error("borrowing list", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"data": rows})
}

// GET /v1/borrowings/:id
func (h *Controller) Detail(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "invalid id"})
	}
	uid, admin := requester(c)
	out, err := h.Svc.Get(c.Request().Context(), uid, admin, id)
	if err != nil {
		switch bs.Code(err) {
		case bs.ErrNotFound:
			return c.JSON(http.StatusNotFound, echo.Map{"message": "borrowing not found"})
		default:
			h.Log.Error("borrowing detail", "err", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"message": "internal error"})
		}
	}
	return c.JSON(http.StatusOK, out)
}
