package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"okx-carry-bot/internal/exchange"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
	Simulated  bool
}

// Client talks to the OKX v5 REST API and implements exchange.Client.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, perSec float64, burst int, creds Credentials, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		log:     log,
	}
}

func (c *Client) PlaceOrder(ctx context.Context, order exchange.Order) (string, error) {
	body := map[string]string{
		"instId":  order.Inst,
		"side":    string(order.Side),
		"ordType": string(order.Type),
		"sz":      formatQty(order.Qty),
		"tdMode":  tdModeFor(order.Inst),
	}
	if order.Type == exchange.Limit {
		body["px"] = formatQty(order.LimitPrice)
	}
	if order.ClientOrderID != "" {
		body["clOrdId"] = sanitizeClOrdID(order.ClientOrderID)
	}
	if order.ReduceOnly {
		body["reduceOnly"] = "true"
	}
	data, err := c.request(ctx, http.MethodPost, "/api/v5/trade/order", nil, body)
	if err != nil {
		return "", err
	}
	var resp []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return "", errors.New("empty order response")
	}
	if resp[0].SCode != "" && resp[0].SCode != "0" {
		return "", &exchange.RejectError{Code: resp[0].SCode, Reason: resp[0].SMsg}
	}
	return resp[0].OrdID, nil
}

func (c *Client) CancelOrder(ctx context.Context, inst, orderID string) error {
	_, err := c.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, map[string]string{
		"instId": inst,
		"ordId":  orderID,
	})
	return err
}

func (c *Client) OrderStatus(ctx context.Context, inst, orderID string) (exchange.OrderStatus, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/trade/order", url.Values{
		"instId": {inst},
		"ordId":  {orderID},
	}, nil)
	if err != nil {
		return exchange.OrderStatus{}, err
	}
	var resp []struct {
		State  string `json:"state"`
		AccFil string `json:"accFillSz"`
		AvgPx  string `json:"avgPx"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return exchange.OrderStatus{}, err
	}
	if len(resp) == 0 {
		return exchange.OrderStatus{}, errors.New("order not found")
	}
	status := exchange.OrderStatus{
		FilledQty: parseFloat(resp[0].AccFil),
		AvgPrice:  parseFloat(resp[0].AvgPx),
	}
	switch resp[0].State {
	case "filled":
		status.State = exchange.Filled
	case "partially_filled":
		status.State = exchange.Partial
	case "canceled", "mmp_canceled":
		status.State = exchange.Canceled
	case "rejected":
		status.State = exchange.Rejected
	default:
		status.State = exchange.Pending
	}
	return status, nil
}

func (c *Client) PendingOrders(ctx context.Context, inst string) ([]exchange.PendingOrder, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/trade/orders-pending", url.Values{
		"instId": {inst},
	}, nil)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		OrdID  string `json:"ordId"`
		InstID string `json:"instId"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	out := make([]exchange.PendingOrder, 0, len(resp))
	for _, o := range resp {
		out = append(out, exchange.PendingOrder{OrderID: o.OrdID, Inst: o.InstID})
	}
	return out, nil
}

func (c *Client) AccountBalance(ctx context.Context) (exchange.Balance, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil)
	if err != nil {
		return exchange.Balance{}, err
	}
	var resp []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy       string `json:"ccy"`
			Liab      string `json:"liab"`
			CrossLiab string `json:"crossLiab"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return exchange.Balance{}, err
	}
	if len(resp) == 0 {
		return exchange.Balance{}, errors.New("empty balance response")
	}
	balance := exchange.Balance{EquityUSD: parseFloat(resp[0].TotalEq)}
	for _, d := range resp[0].Details {
		liab := parseFloat(d.Liab)
		if liab == 0 {
			liab = parseFloat(d.CrossLiab)
		}
		balance.OutstandingLoanUSD += liab
	}
	return balance, nil
}

func (c *Client) Borrow(ctx context.Context, ccy string, amount float64) error {
	_, err := c.request(ctx, http.MethodPost, "/api/v5/account/borrow-repay", nil, map[string]string{
		"ccy":  ccy,
		"amt":  formatQty(amount),
		"side": "borrow",
	})
	return err
}

func (c *Client) RepayAll(ctx context.Context, ccy string) error {
	_, err := c.request(ctx, http.MethodPost, "/api/v5/account/borrow-repay", nil, map[string]string{
		"ccy":  ccy,
		"amt":  "",
		"side": "repay",
	})
	return err
}

func (c *Client) BorrowAPR(ctx context.Context, ccy string) (float64, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/account/max-loan", url.Values{"ccy": {ccy}}, nil)
	if err != nil {
		return 0, err
	}
	var resp []struct {
		InterestRate string `json:"interestRate"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, errors.New("empty max-loan response")
	}
	return parseFloat(resp[0].InterestRate), nil
}

// MarginRequirement returns the cross maintenance margin ratio for the
// swap instrument from the public position tiers.
func (c *Client) MarginRequirement(ctx context.Context, inst string) (float64, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/public/position-tiers", url.Values{
		"instType": {"SWAP"},
		"instId":   {inst},
		"tdMode":   {"cross"},
	}, nil)
	if err != nil {
		return 0, err
	}
	var resp []struct {
		MMR string `json:"mmr"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, err
	}
	if len(resp) == 0 {
		return 0, errors.New("empty position-tiers response")
	}
	return parseFloat(resp[0].MMR), nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fullPath := path
	if len(query) > 0 {
		fullPath += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+fullPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.sign(req, method, fullPath, string(payload))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, exchange.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, exchange.Transient(fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if envelope.Code != "0" {
		if transientCode(envelope.Code) {
			return nil, exchange.Transient(fmt.Errorf("okx code %s: %s", envelope.Code, envelope.Msg))
		}
		return nil, &exchange.RejectError{Code: envelope.Code, Reason: envelope.Msg}
	}
	return envelope.Data, nil
}

func (c *Client) sign(req *http.Request, method, path, body string) {
	if c.creds.Key == "" {
		return
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.creds.Secret))
	mac.Write([]byte(ts + method + path + body))
	req.Header.Set("OK-ACCESS-KEY", c.creds.Key)
	req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if c.creds.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
}

// OKX 50011 and 50013 are rate-limit / busy codes.
func transientCode(code string) bool {
	switch code {
	case "50011", "50013", "50026":
		return true
	}
	return false
}

func tdModeFor(inst string) string {
	if strings.HasSuffix(inst, "-SWAP") {
		return "cross"
	}
	return "cash"
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// OKX caps clOrdId at 32 alphanumerics.
func sanitizeClOrdID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 32 {
		out = out[len(out)-32:]
	}
	return out
}
