package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/campushub/realtime/wire"
)

// TransientError wraps an error that is likely temporary and safe to
// retry on the next poll tick.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client
	// when the caller does not provide one.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads; notification and
	// history payloads are small JSON arrays.
	maxAPIResponseBytes = 1024 * 1024
)

// Fetcher is the REST pull path: notification fetch, mark-as-read, and
// message history seeding. It holds the session's bearer token.
type Fetcher struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewFetcher creates a Fetcher for the API at baseURL. If httpClient
// is nil, a client with a 30-second timeout is used.
func NewFetcher(baseURL, token string, httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Fetcher{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// notificationRow is the REST representation of a notification. The
// read flag is an integer on the wire and timestamps may be
// timezone-naive, so the row is converted rather than decoded straight
// into wire.Notification.
type notificationRow struct {
	ID        int64  `json:"id"`
	Kind      string `json:"notification_type"`
	Message   string `json:"message"`
	ActorID   int64  `json:"actor_id"`
	IsRead    int    `json:"is_read"`
	CreatedAt string `json:"created_at"`
}

func (row notificationRow) toNotification() wire.Notification {
	return wire.Notification{
		ID:        row.ID,
		Kind:      row.Kind,
		Message:   row.Message,
		ActorID:   row.ActorID,
		IsRead:    row.IsRead != 0,
		CreatedAt: wire.ParseTime(row.CreatedAt),
	}
}

// messageRow is the REST representation of a chat message.
type messageRow struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	RecipientID int64  `json:"recipient_id"`
	Content     string `json:"content"`
	CreatedAt   string `json:"created_at"`
}

// Notifications fetches notifications created after since. A zero
// since fetches everything the server retains.
func (f *Fetcher) Notifications(ctx context.Context, since time.Time) ([]wire.Notification, error) {
	url := f.baseURL + "/notifications"
	if !since.IsZero() {
		url += "?since=" + since.UTC().Format(time.RFC3339)
	}

	var rows []notificationRow
	if err := f.get(ctx, url, &rows); err != nil {
		return nil, fmt.Errorf("fetching notifications: %w", err)
	}

	out := make([]wire.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toNotification())
	}

	return out, nil
}

// MarkRead tells the server a notification was read.
func (f *Fetcher) MarkRead(ctx context.Context, id int64) error {
	url := f.baseURL + "/notifications/" + strconv.FormatInt(id, 10) + "/read"

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if err := f.do(req, nil); err != nil {
		return fmt.Errorf("marking notification %d read: %w", id, err)
	}

	return nil
}

// ChatHistory fetches the message history with another user, used to
// seed a chat view before live delivery takes over.
func (f *Fetcher) ChatHistory(ctx context.Context, peerID int64) ([]wire.ChatMessage, error) {
	url := f.baseURL + "/chat/history/" + strconv.FormatInt(peerID, 10)

	var rows []messageRow
	if err := f.get(ctx, url, &rows); err != nil {
		return nil, fmt.Errorf("fetching chat history with %d: %w", peerID, err)
	}

	out := make([]wire.ChatMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, wire.ChatMessage{
			ID:          row.ID,
			SenderID:    row.SenderID,
			RecipientID: row.RecipientID,
			Content:     row.Content,
			CreatedAt:   wire.ParseTime(row.CreatedAt),
		})
	}

	return out, nil
}

func (f *Fetcher) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return f.do(req, result)
}

// do executes a request with the session token and decodes the
// response. Network errors and retryable status codes come back
// wrapped in TransientError so the poller keeps its cursor and tries
// again next tick.
func (f *Fetcher) do(req *http.Request, result any) error {
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", req.URL.Path, err)
		// Timeouts, connection refused, DNS failures: transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API %s returned status %d", req.URL.Path, resp.StatusCode)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", req.URL.Path, err)
		}
	}

	return nil
}

// isTransientStatus returns true for status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
