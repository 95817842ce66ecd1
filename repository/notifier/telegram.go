package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dryzhenko/library-service/model"
	"github.com/dryzhenko/library-service/util/httpx"
)

type telegram struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegram builds a notifier that posts to the Telegram Bot API.
func NewTelegram(token, chatID string) Notifier {
	return &telegram{token: token, chatID: chatID, client: httpx.Client()}
}

func (t *telegram) NotifyBorrowing(ctx context.Context, book *model.Book, userID int64) error {
	text := fmt.Sprintf("Book %s was borrowed by visitor with ID: %d", book.Title, userID)

	body := map[string]any{
		"chat_id": t.chatID,
		"text":    text,
	}
	b, _ := json.Marshal(body)

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage failed: %s", resp.Status)
	}
	return nil
}
