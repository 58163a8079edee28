// Package telegram implements the chat transport against the Telegram Bot
// API: an outbound sender for the delivery port and a long-poll update source.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// Client is a thin Bot API client. It implements delivery.Sender.
type Client struct {
	token      string
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token:      token,
		apiBase:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 65 * time.Second},
	}
}

// apiResponse is the Bot API envelope shared by all methods.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// SendText delivers an inline text message.
func (c *Client) SendText(ctx context.Context, chat string, text string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chat,
		"text":    text,
	})
	return err
}

// SendKeyboard delivers a prompt with a one-time reply keyboard.
func (c *Client) SendKeyboard(ctx context.Context, chat string, text string, buttons [][]string) error {
	rows := make([][]map[string]string, 0, len(buttons))
	for _, row := range buttons {
		r := make([]map[string]string, 0, len(row))
		for _, label := range row {
			r = append(r, map[string]string{"text": label})
		}
		rows = append(rows, r)
	}
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chat,
		"text":    text,
		"reply_markup": map[string]any{
			"keyboard":          rows,
			"resize_keyboard":   true,
			"one_time_keyboard": true,
		},
	})
	return err
}

// SendFile delivers a payload as a document attachment.
func (c *Client) SendFile(ctx context.Context, chat string, name string, r io.Reader) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", chat); err != nil {
		return fmt.Errorf("telegram multipart: %w", err)
	}
	part, err := mw.CreateFormFile("document", name)
	if err != nil {
		return fmt.Errorf("telegram multipart: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("telegram multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.methodURL("sendDocument"), &body)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, err = c.do(req)
	return err
}

// update mirrors the subset of the Bot API Update object the poller consumes.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text     string `json:"text"`
		Document *struct {
			FileID   string `json:"file_id"`
			FileName string `json:"file_name"`
			FileSize int64  `json:"file_size"`
		} `json:"document"`
	} `json:"message"`
}

// getUpdates long-polls the Bot API for new updates.
func (c *Client) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, error) {
	raw, err := c.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	var updates []update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("telegram updates decode: %w", err)
	}
	return updates, nil
}

// downloadFile resolves a file_id and fetches its content.
func (c *Client) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	raw, err := c.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var f struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("telegram file decode: %w", err)
	}

	dlURL := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, f.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("telegram download: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// call invokes a JSON Bot API method and returns the raw result.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("telegram marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("telegram decode: %w", err)
	}
	if !api.OK {
		return nil, fmt.Errorf("telegram API: %s", api.Description)
	}
	return api.Result, nil
}

func (c *Client) methodURL(method string) string {
	return c.apiBase + "/bot" + url.PathEscape(c.token) + "/" + method
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
