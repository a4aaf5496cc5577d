// ABOUTME: Hand-rolled Telegram Bot API client over net/http.
// ABOUTME: JSON POST per method, long-poll getUpdates, rate-limited outbound calls.

package botbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultAPIBase is the production Bot API endpoint. Tests point this at
// a local httptest server.
const DefaultAPIBase = "https://api.telegram.org"

// Telegram allows roughly 30 messages per second across all chats and
// about one per second into a single chat.
const (
	globalRatePerSec  = 25
	globalRateBurst   = 5
	perChatRatePerSec = 1
	perChatRateBurst  = 1
)

type apiClient struct {
	http    *http.Client
	baseURL string
	token   string

	global       *rate.Limiter
	perChatLimit rate.Limit

	mu      sync.Mutex
	perChat map[int64]*rate.Limiter
}

func newAPIClient(httpClient *http.Client, baseURL, token string) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	return &apiClient{
		http:         httpClient,
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		global:       rate.NewLimiter(rate.Limit(globalRatePerSec), globalRateBurst),
		perChatLimit: rate.Limit(perChatRatePerSec),
		perChat:      make(map[int64]*rate.Limiter),
	}
}

// waitSend blocks until both the global and the chat's own rate budget
// allow one more outbound message.
func (api *apiClient) waitSend(ctx context.Context, chatID int64) error {
	api.mu.Lock()
	limiter, ok := api.perChat[chatID]
	if !ok {
		limiter = rate.NewLimiter(api.perChatLimit, perChatRateBurst)
		api.perChat[chatID] = limiter
	}
	api.mu.Unlock()

	if err := api.global.Wait(ctx); err != nil {
		return err
	}
	return limiter.Wait(ctx)
}

// Wire types (subset of the Bot API).

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID    int         `json:"message_id"`
	Date         int64       `json:"date,omitempty"`
	Chat         *chat       `json:"chat,omitempty"`
	From         *user       `json:"from,omitempty"`
	ReplyTo      *message    `json:"reply_to_message,omitempty"`
	Text         string      `json:"text,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	MediaGroupID string      `json:"media_group_id,omitempty"`
	Document     *document   `json:"document,omitempty"`
	Photo        []photoSize `json:"photo,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"` // private|group|supergroup|channel
}

type user struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot,omitempty"`
	Username string `json:"username,omitempty"`
}

type document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type photoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// requestError carries the Bot API's error payload so callers can detect
// soft failures by description.
type requestError struct {
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *requestError) Error() string {
	desc := strings.TrimSpace(e.Description)
	if desc != "" {
		return fmt.Sprintf("telegram http %d: %s", e.StatusCode, desc)
	}
	return fmt.Sprintf("telegram http %d", e.StatusCode)
}

// isNotModified reports the soft failure returned when an edit carries
// the same text the message already has.
func isNotModified(err error) bool {
	var reqErr *requestError
	return errors.As(err, &reqErr) &&
		strings.Contains(strings.ToLower(reqErr.Description), "message is not modified")
}

// isParseError reports HTML entity parse rejections; callers retry as
// plain text.
func isParseError(err error) bool {
	var reqErr *requestError
	return errors.As(err, &reqErr) &&
		strings.Contains(strings.ToLower(reqErr.Description), "can't parse entities")
}

// call POSTs one JSON-encoded method invocation and decodes the result.
func (api *apiClient) call(ctx context.Context, method string, body any, result any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.OK {
		return &requestError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   out.ErrorCode,
			Description: out.Description,
		}
	}
	if result != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

func (api *apiClient) getMe(ctx context.Context) (*user, error) {
	var me user
	if err := api.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// getUpdates long-polls for new updates and returns the next offset.
func (api *apiClient) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	body := struct {
		Offset  int64 `json:"offset,omitempty"`
		Timeout int   `json:"timeout"`
	}{Offset: offset, Timeout: secs}

	var updates []update
	if err := api.call(reqCtx, "getUpdates", body, &updates); err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// sendMessage posts one message and returns its id. parseMode may be
// "HTML" or empty for plain text; replyTo of 0 means no threading.
func (api *apiClient) sendMessage(ctx context.Context, chatID int64, text, parseMode string, replyTo int) (int, error) {
	if err := api.waitSend(ctx, chatID); err != nil {
		return 0, err
	}

	body := struct {
		ChatID           int64  `json:"chat_id"`
		Text             string `json:"text"`
		ParseMode        string `json:"parse_mode,omitempty"`
		ReplyToMessageID int    `json:"reply_to_message_id,omitempty"`
	}{ChatID: chatID, Text: text, ParseMode: parseMode, ReplyToMessageID: replyTo}

	var sent message
	if err := api.call(ctx, "sendMessage", body, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (api *apiClient) editMessageText(ctx context.Context, chatID int64, messageID int, text, parseMode string) error {
	if err := api.waitSend(ctx, chatID); err != nil {
		return err
	}

	body := struct {
		ChatID    int64  `json:"chat_id"`
		MessageID int    `json:"message_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode,omitempty"`
	}{ChatID: chatID, MessageID: messageID, Text: text, ParseMode: parseMode}

	return api.call(ctx, "editMessageText", body, nil)
}

func (api *apiClient) deleteMessage(ctx context.Context, chatID int64, messageID int) error {
	body := struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int   `json:"message_id"`
	}{ChatID: chatID, MessageID: messageID}

	return api.call(ctx, "deleteMessage", body, nil)
}

func (api *apiClient) sendChatAction(ctx context.Context, chatID int64, action string) error {
	body := struct {
		ChatID int64  `json:"chat_id"`
		Action string `json:"action"`
	}{ChatID: chatID, Action: action}

	return api.call(ctx, "sendChatAction", body, nil)
}

// sendDocument uploads a local file via multipart form data.
func (api *apiClient) sendDocument(ctx context.Context, chatID int64, filePath, filename, caption string) error {
	if err := api.waitSend(ctx, chatID); err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if filename == "" {
		filename = filepath.Base(filePath)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()

		_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
		if caption != "" {
			_ = mw.WriteField("caption", caption)
		}

		part, err := mw.CreateFormFile("document", filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
	}()

	url := fmt.Sprintf("%s/bot%s/sendDocument", api.baseURL, api.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !out.OK {
		return &requestError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   out.ErrorCode,
			Description: out.Description,
		}
	}
	return nil
}
