// Package farms предоставляет клиент для внешнего сервиса управления фермами.
package farms

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом управления фермами.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к сервису ферм по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// FarmExists проверяет, зарегистрирована ли ферма с указанным идентификатором.
func (c *Client) FarmExists(ctx context.Context, farmID int64) (bool, error) {
	if c == nil || c.baseURL == "" {
		return false, fmt.Errorf("farm client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/farms/%d", base, farmID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
}
