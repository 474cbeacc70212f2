// Package payout предоставляет клиент внешней системы выплат, через которую выводятся средства.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/holiman/uint256"

	"github.com/mmeshcher/finledger/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с системой выплат.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Request описывает тело запроса на выплату.
type Request struct {
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// NewClient создаёт HTTP-клиент для обращения к системе выплат по указанному адресу.
func NewClient(baseURL string) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = 5 * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Transfer отправляет выплату amount на адрес to. Повторов нет: любая ошибка
// возвращается вызывающему, и вывод средств отменяется.
func (c *Client) Transfer(ctx context.Context, to model.Identity, amount *uint256.Int, reference string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("payout client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(Request{
		Address:   to.Hex(),
		Amount:    amount.Dec(),
		Reference: reference,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/payouts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reference)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
