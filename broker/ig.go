package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// IG REST CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Session-token auth (CST + X-SECURITY-TOKEN from POST /session), a token
// bucket in front of every call, bounded retry with backoff on transport and
// 5xx errors, one transparent re-login on 401, and a sleep-then-retry on 429.
//
// ═══════════════════════════════════════════════════════════════════════════════

// IGConfig carries the REST credentials and client tuning.
type IGConfig struct {
	BaseURL    string
	APIKey     string
	Identifier string
	Password   string
	AccountID  string

	// EpicSymbols maps broker epics back to canonical symbols.
	EpicSymbols map[string]string

	RPS          float64       // token bucket refill rate; 0 = 2/s
	Burst        int           // token bucket depth; 0 = 4
	Timeout      time.Duration // per-request; 0 = 15s
	MaxRetries   int           // transport/5xx retries; 0 = 3
	RetryBackoff time.Duration // base backoff; 0 = 500ms
}

var _ Adapter = (*IGClient)(nil)

// IGClient implements Adapter against the IG REST API.
type IGClient struct {
	cfg     IGConfig
	http    *resty.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	cst      string
	security string
}

func NewIGClient(cfg IGConfig) *IGClient {
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json; charset=UTF-8").
		SetHeader("Accept", "application/json; charset=UTF-8").
		SetHeader("X-IG-API-KEY", cfg.APIKey)

	return &IGClient{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

// Login opens a session and captures the CST / security tokens.
func (c *IGClient) Login(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return newError(KindTransport, "login", "rate wait", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Version", "2").
		SetBody(map[string]string{
			"identifier": c.cfg.Identifier,
			"password":   c.cfg.Password,
		}).
		Post("/session")
	if err != nil {
		return newError(KindTransport, "login", "request failed", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return newError(KindAuth, "login", fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)
	}

	c.mu.Lock()
	c.cst = resp.Header().Get("CST")
	c.security = resp.Header().Get("X-SECURITY-TOKEN")
	c.mu.Unlock()

	log.Info().Str("account_id", c.cfg.AccountID).Msg("Broker session opened")
	return nil
}

func (c *IGClient) tokens() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cst, c.security
}

// request builds an authenticated request for one API version.
func (c *IGClient) request(ctx context.Context, version string) *resty.Request {
	cst, sec := c.tokens()
	return c.http.R().
		SetContext(ctx).
		SetHeader("Version", version).
		SetHeader("CST", cst).
		SetHeader("X-SECURITY-TOKEN", sec)
}

// do executes fn with rate limiting, retry on transport/5xx, backoff on 429,
// and a single transparent re-login on 401.
func (c *IGClient) do(ctx context.Context, op string, fn func() (*resty.Response, error)) (*resty.Response, error) {
	reloggedIn := false

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, newError(KindTransport, op, "rate wait", err)
		}

		resp, err := fn()
		switch {
		case err != nil:
			if attempt < c.cfg.MaxRetries {
				c.sleep(ctx, attempt)
				continue
			}
			return nil, newError(KindTransport, op, "request failed", err)

		case resp.StatusCode() == http.StatusUnauthorized:
			if reloggedIn {
				return nil, newError(KindAuth, op, "unauthorized after re-login", nil)
			}
			reloggedIn = true
			log.Warn().Str("op", op).Msg("Session expired, re-authenticating")
			if lerr := c.Login(ctx); lerr != nil {
				return nil, lerr
			}
			continue

		case resp.StatusCode() == http.StatusTooManyRequests:
			if attempt >= c.cfg.MaxRetries {
				return nil, newError(KindRateLimit, op, "rate limited by broker", nil)
			}
			c.sleep(ctx, attempt+1)
			continue

		case resp.StatusCode() >= 500:
			if attempt < c.cfg.MaxRetries {
				c.sleep(ctx, attempt)
				continue
			}
			return nil, newError(KindAPI, op, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)

		case resp.StatusCode() >= 400:
			return nil, newError(KindAPI, op, fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)
		}
		return resp, nil
	}
}

func (c *IGClient) sleep(ctx context.Context, attempt int) {
	backoff := c.cfg.RetryBackoff * time.Duration(1<<attempt)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
	}
}

// VerifySession confirms the stored tokens are still valid.
func (c *IGClient) VerifySession(ctx context.Context) error {
	_, err := c.do(ctx, "verify_session", func() (*resty.Response, error) {
		return c.request(ctx, "1").Get("/session")
	})
	return err
}

type accountsResponse struct {
	Accounts []struct {
		AccountID   string `json:"accountId"`
		AccountName string `json:"accountName"`
		AccountType string `json:"accountType"`
		Preferred   bool   `json:"preferred"`
		Currency    string `json:"currency"`
		Balance     struct {
			Available decimal.Decimal `json:"available"`
		} `json:"balance"`
	} `json:"accounts"`
}

// ListAccounts returns the accounts visible to the session.
func (c *IGClient) ListAccounts(ctx context.Context) ([]Account, error) {
	var body accountsResponse
	_, err := c.do(ctx, "list_accounts", func() (*resty.Response, error) {
		return c.request(ctx, "1").SetResult(&body).Get("/accounts")
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(body.Accounts))
	for _, a := range body.Accounts {
		accounts = append(accounts, Account{
			ID:        a.AccountID,
			Name:      a.AccountName,
			Type:      a.AccountType,
			Preferred: a.Preferred,
			IsLive:    !strings.Contains(strings.ToUpper(a.AccountType), "DEMO"),
			Available: a.Balance.Available,
			Currency:  a.Currency,
		})
	}
	return accounts, nil
}

type positionsResponse struct {
	Positions []struct {
		Position struct {
			DealID    string          `json:"dealId"`
			Direction string          `json:"direction"`
			Size      decimal.Decimal `json:"size"`
			Level     decimal.Decimal `json:"level"`
			CreatedAt string          `json:"createdDateUTC"`
		} `json:"position"`
		Market struct {
			Epic string `json:"epic"`
		} `json:"market"`
	} `json:"positions"`
}

// ListPositions returns open positions as canonical views.
func (c *IGClient) ListPositions(ctx context.Context) ([]types.PositionView, error) {
	var body positionsResponse
	_, err := c.do(ctx, "list_positions", func() (*resty.Response, error) {
		return c.request(ctx, "2").SetResult(&body).Get("/positions")
	})
	if err != nil {
		return nil, err
	}

	views := make([]types.PositionView, 0, len(body.Positions))
	for _, p := range body.Positions {
		side := types.SideLong
		if strings.EqualFold(p.Position.Direction, "SELL") {
			side = types.SideShort
		}
		opened, _ := time.Parse("2006-01-02T15:04:05", p.Position.CreatedAt)
		views = append(views, types.PositionView{
			DealID:     p.Position.DealID,
			Symbol:     c.symbolFor(p.Market.Epic),
			Epic:       p.Market.Epic,
			Side:       side,
			Size:       p.Position.Size,
			EntryPrice: p.Position.Level,
			OpenedAt:   opened,
		})
	}
	return views, nil
}

func (c *IGClient) symbolFor(epic string) string {
	if s, ok := c.cfg.EpicSymbols[epic]; ok {
		return s
	}
	return epic
}

type dealConfirmation struct {
	DealReference string          `json:"dealReference"`
	DealID        string          `json:"dealId"`
	DealStatus    string          `json:"dealStatus"`
	Reason        string          `json:"reason"`
	Level         decimal.Decimal `json:"level"`
}

// PlaceMarketOrder submits a market order and polls the confirmation.
func (c *IGClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	payload := map[string]any{
		"epic":           req.Epic,
		"expiry":         "-",
		"direction":      string(req.Direction),
		"size":           req.Size.String(),
		"orderType":      "MARKET",
		"guaranteedStop": false,
		"forceOpen":      true,
		"dealReference":  req.DealReference,
	}
	if req.StopLevel.IsPositive() {
		payload["stopLevel"] = req.StopLevel.String()
	}
	if req.LimitLevel.IsPositive() {
		payload["limitLevel"] = req.LimitLevel.String()
	}
	if req.CurrencyCode != "" {
		payload["currencyCode"] = req.CurrencyCode
	}

	var created struct {
		DealReference string `json:"dealReference"`
	}
	_, err := c.do(ctx, "place_market_order", func() (*resty.Response, error) {
		return c.request(ctx, "2").SetBody(payload).SetResult(&created).Post("/positions/otc")
	})
	if err != nil {
		return OrderResponse{DealReference: req.DealReference, Status: DealRejected}, err
	}
	return c.confirm(ctx, created.DealReference)
}

// ClosePosition closes (fully or partially) via the OTC close endpoint. The
// direction must be the opposite of the open position's.
func (c *IGClient) ClosePosition(ctx context.Context, dealID string, direction types.Direction, size decimal.Decimal) (OrderResponse, error) {
	payload := map[string]any{
		"dealId":    dealID,
		"direction": string(direction),
		"size":      size.String(),
		"orderType": "MARKET",
	}

	var created struct {
		DealReference string `json:"dealReference"`
	}
	_, err := c.do(ctx, "close_position", func() (*resty.Response, error) {
		return c.request(ctx, "1").
			SetHeader("_method", "DELETE").
			SetBody(payload).
			SetResult(&created).
			Post("/positions/otc")
	})
	if err != nil {
		return OrderResponse{Status: DealRejected}, err
	}
	return c.confirm(ctx, created.DealReference)
}

// confirm resolves a deal reference into its confirmation.
func (c *IGClient) confirm(ctx context.Context, dealReference string) (OrderResponse, error) {
	var body dealConfirmation
	_, err := c.do(ctx, "confirm", func() (*resty.Response, error) {
		return c.request(ctx, "1").SetResult(&body).Get("/confirms/" + dealReference)
	})
	if err != nil {
		return OrderResponse{DealReference: dealReference, Status: DealPending}, err
	}

	status := DealStatus(strings.ToUpper(body.DealStatus))
	switch status {
	case DealAccepted, DealRejected, DealPending:
	default:
		status = DealPending
	}
	return OrderResponse{
		DealReference: body.DealReference,
		DealID:        body.DealID,
		Status:        status,
		Reason:        body.Reason,
		Level:         body.Level,
	}, nil
}

type workingOrdersResponse struct {
	WorkingOrders []struct {
		WorkingOrderData struct {
			DealID      string          `json:"dealId"`
			Direction   string          `json:"direction"`
			OrderSize   decimal.Decimal `json:"orderSize"`
			OrderLevel  decimal.Decimal `json:"orderLevel"`
			CreatedDate string          `json:"createdDateUTC"`
		} `json:"workingOrderData"`
		MarketData struct {
			Epic string `json:"epic"`
		} `json:"marketData"`
	} `json:"workingOrders"`
}

// GetWorkingOrders lists resting orders.
func (c *IGClient) GetWorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	var body workingOrdersResponse
	_, err := c.do(ctx, "get_working_orders", func() (*resty.Response, error) {
		return c.request(ctx, "2").SetResult(&body).Get("/workingorders")
	})
	if err != nil {
		return nil, err
	}

	orders := make([]WorkingOrder, 0, len(body.WorkingOrders))
	for _, w := range body.WorkingOrders {
		dir := types.DirectionBuy
		if strings.EqualFold(w.WorkingOrderData.Direction, "SELL") {
			dir = types.DirectionSell
		}
		created, _ := time.Parse("2006-01-02T15:04:05", w.WorkingOrderData.CreatedDate)
		orders = append(orders, WorkingOrder{
			DealID:    w.WorkingOrderData.DealID,
			Epic:      w.MarketData.Epic,
			Direction: dir,
			Size:      w.WorkingOrderData.OrderSize,
			Level:     w.WorkingOrderData.OrderLevel,
			CreatedAt: created,
		})
	}
	return orders, nil
}

// CancelWorkingOrder cancels one resting order.
func (c *IGClient) CancelWorkingOrder(ctx context.Context, dealID string) error {
	_, err := c.do(ctx, "cancel_working_order", func() (*resty.Response, error) {
		return c.request(ctx, "2").Delete("/workingorders/otc/" + dealID)
	})
	return err
}

type marketDetailsResponse struct {
	Instrument struct {
		Epic  string `json:"epic"`
		Rules struct {
			MinDealSize decimal.Decimal `json:"minDealSize"`
			MaxDealSize decimal.Decimal `json:"maxDealSize"`
			StepSize    decimal.Decimal `json:"stepSize"`
		} `json:"dealingRules"`
	} `json:"instrument"`
	Snapshot struct {
		Bid          decimal.Decimal `json:"bid"`
		Offer        decimal.Decimal `json:"offer"`
		MarketStatus string          `json:"marketStatus"`
		UpdateTime   string          `json:"updateTimeUTC"`
	} `json:"snapshot"`
}

// GetMarketDetails fetches a REST snapshot for one epic.
func (c *IGClient) GetMarketDetails(ctx context.Context, epic string) (MarketDetails, error) {
	var body marketDetailsResponse
	_, err := c.do(ctx, "get_market_details", func() (*resty.Response, error) {
		return c.request(ctx, "3").SetResult(&body).Get("/markets/" + epic)
	})
	if err != nil {
		return MarketDetails{}, err
	}

	updated, _ := time.Parse("2006-01-02T15:04:05", body.Snapshot.UpdateTime)
	return MarketDetails{
		Epic:         epic,
		Symbol:       c.symbolFor(epic),
		Bid:          body.Snapshot.Bid,
		Ask:          body.Snapshot.Offer,
		MinDealSize:  body.Instrument.Rules.MinDealSize,
		MaxDealSize:  body.Instrument.Rules.MaxDealSize,
		DealSizeStep: body.Instrument.Rules.StepSize,
		MarketStatus: body.Snapshot.MarketStatus,
		UpdateTime:   updated,
	}, nil
}
