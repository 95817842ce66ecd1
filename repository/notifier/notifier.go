package notifier

import (
	"context"

	"github.com/dryzhenko/library-service/model"
)

// Notifier announces a new borrowing to an external channel. Callers treat
// it as best-effort: a failed notification never fails the borrowing.
type Notifier interface {
	NotifyBorrowing(ctx context.Context, book *model.Book, userID int64) error
}

type noop struct{}

// NewNoop returns a notifier that does nothing, for setups without a
// configured bot token.
func NewNoop() Notifier { return noop{} }

func (noop) NotifyBorrowing(ctx context.Context, book *model.Book, userID int64) error {
	return nil
}
