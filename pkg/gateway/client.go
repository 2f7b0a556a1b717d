// 文件: pkg/gateway/client.go
// 执行网关 HTTP 客户端
//
// 券商接入 (Schwab / Tastytrade / TopstepX / Tradovate) 统一由执行网关服务封装，
// 风控通过两条接口访问:
//
//	GET  {base}/v1/accounts/{id}/activity?since=<RFC3339Nano>&seen=<fillID,...>
//	POST {base}/v1/accounts/{id}/flatten
//
// 网络错误 / 5xx → error (由调用方按传输错误处理)
// flatten 返回 4xx + reason_code → 回执 Success=false

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"propguard.com/pkg/account"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
)

var (
	_ metrics.ExecutionLayer      = (*Client)(nil)
	_ liquidation.BrokerConnector = (*Client)(nil)
)

// Client 执行网关客户端
type Client struct {
	base   string
	token  string
	client *http.Client
}

// New 创建客户端
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// FetchActivity 查询成交和持仓
func (c *Client) FetchActivity(ctx context.Context, accountID string, since account.FillCursor) (metrics.Activity, error) {
	q := url.Values{}
	if !since.At.IsZero() {
		q.Set("since", since.At.UTC().Format(time.RFC3339Nano))
	}
	if len(since.IDs) > 0 {
		q.Set("seen", strings.Join(since.IDs, ","))
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/activity", c.base, url.PathEscape(accountID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return metrics.Activity{}, err
	}

	var act metrics.Activity
	status, body, err := c.do(req)
	if err != nil {
		return metrics.Activity{}, err
	}
	if status != http.StatusOK {
		return metrics.Activity{}, fmt.Errorf("gateway activity %s: status %d: %s", accountID, status, snippet(body))
	}
	if err := json.Unmarshal(body, &act); err != nil {
		return metrics.Activity{}, fmt.Errorf("decode activity %s: %w", accountID, err)
	}
	return act, nil
}

// FlattenAll 平掉账户所有持仓
func (c *Client) FlattenAll(ctx context.Context, accountID string) (liquidation.FlattenReceipt, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/flatten", c.base, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return liquidation.FlattenReceipt{}, err
	}

	status, body, err := c.do(req)
	if err != nil {
		return liquidation.FlattenReceipt{}, err
	}

	var receipt liquidation.FlattenReceipt
	switch {
	case status >= 500:
		return liquidation.FlattenReceipt{}, fmt.Errorf("gateway flatten %s: status %d: %s", accountID, status, snippet(body))
	case status >= 400:
		if json.Unmarshal(body, &receipt) != nil || receipt.ReasonCode == "" {
			receipt.ReasonCode = fmt.Sprintf("HTTP_%d", status)
		}
		receipt.Success = false
		return receipt, nil
	}

	if err := json.Unmarshal(body, &receipt); err != nil {
		return liquidation.FlattenReceipt{}, fmt.Errorf("decode flatten receipt %s: %w", accountID, err)
	}
	return receipt, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
