package sheets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/network/standard"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"

	"sheetmap.ai/internal/sim/tiles"
)

type Config struct {
	BaseURL       string
	SpreadsheetID string
	SheetName     string
	APIKey        string
	ProbeURL      string

	Timeout    time.Duration
	RatePerSec float64 // <= 0 disables pacing
	RateBurst  int
	Logger     *log.Logger
}

// Client reads chunk-sized ranges from the Sheets v4 values API.
type Client struct {
	cfg     Config
	hc      *client.Client
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.SpreadsheetID = strings.TrimSpace(cfg.SpreadsheetID)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.ProbeURL = strings.TrimSpace(cfg.ProbeURL)
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("empty sheets base url")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url: %s", cfg.BaseURL)
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("empty spreadsheet id")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	hc, err := client.NewClient(
		client.WithDialer(standard.NewDialer()),
		client.WithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}),
		client.WithDialTimeout(cfg.Timeout),
		client.WithClientReadTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}

	c := &Client{cfg: cfg, hc: hc}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst)
	}
	return c, nil
}

// FetchChunk reads the chunk's cell range. A range with no rows, or a chunk that lies outside the
// sheet, yields a zero-filled grid together with an error wrapping tiles.ErrEmptyResult.
func (c *Client) FetchChunk(ctx context.Context, key tiles.ChunkKey) (tiles.Grid, error) {
	cr, ok := tiles.ChunkToCellRange(key)
	if !ok {
		return tiles.NewGrid(), fmt.Errorf("chunk %s is off-sheet: %w", key, tiles.ErrEmptyResult)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return tiles.Grid{}, fmt.Errorf("fetch %s: rate wait: %w: %w", cr, tiles.ErrTransport, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return tiles.Grid{}, fmt.Errorf("fetch %s: %w: %w", cr, tiles.ErrTransport, err)
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetMethod(consts.MethodGet)
	req.SetRequestURI(c.valuesURL(cr))
	req.Header.Set("Accept", "application/json")

	if err := c.hc.DoTimeout(ctx, req, resp, c.cfg.Timeout); err != nil {
		return tiles.Grid{}, fmt.Errorf("fetch %s: %w: %w", cr, tiles.ErrTransport, err)
	}
	if sc := resp.StatusCode(); sc < 200 || sc >= 300 {
		body := resp.Body()
		if len(body) > 512 {
			body = body[:512]
		}
		return tiles.Grid{}, fmt.Errorf("fetch %s status=%d body=%s: %w", cr, sc, strings.TrimSpace(string(body)), tiles.ErrTransport)
	}
	return decodeValues(cr, resp.Body())
}

// ProbeLiveness reports whether the probe URL answered at all within timeout. Any HTTP response
// counts as reachable.
func (c *Client) ProbeLiveness(ctx context.Context, timeout time.Duration) bool {
	if c == nil || c.cfg.ProbeURL == "" {
		return false
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetMethod(consts.MethodHead)
	req.SetRequestURI(c.cfg.ProbeURL)
	resp.SkipBody = true
	if err := c.hc.DoTimeout(ctx, req, resp, timeout); err != nil {
		c.printf("probe failed url=%s err=%v", c.cfg.ProbeURL, err)
		return false
	}
	return true
}

func (c *Client) valuesURL(cr tiles.CellRange) string {
	q := url.Values{}
	q.Set("majorDimension", "ROWS")
	if c.cfg.APIKey != "" {
		q.Set("key", c.cfg.APIKey)
	}
	return c.cfg.BaseURL + "/v4/spreadsheets/" + url.PathEscape(c.cfg.SpreadsheetID) +
		"/values/" + url.PathEscape(cr.A1(c.cfg.SheetName)) + "?" + q.Encode()
}

func (c *Client) printf(format string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}

type valueRange struct {
	Range          string  `json:"range"`
	MajorDimension string  `json:"majorDimension"`
	Values         [][]any `json:"values"`
}

func decodeValues(cr tiles.CellRange, body []byte) (tiles.Grid, error) {
	var vr valueRange
	if err := json.Unmarshal(body, &vr); err != nil {
		return tiles.Grid{}, fmt.Errorf("decode %s: %w: %w", cr, tiles.ErrParse, err)
	}
	g := tiles.NewGrid()
	if len(vr.Values) == 0 {
		return g, fmt.Errorf("range %s: %w", cr, tiles.ErrEmptyResult)
	}
	// Rows and cells past the populated extent are simply absent; they stay Empty.
	for y, row := range vr.Values {
		if y >= tiles.ChunkH {
			break
		}
		for x, cell := range row {
			if x >= tiles.ChunkW {
				break
			}
			code, err := parseCell(cell)
			if err != nil {
				return tiles.Grid{}, fmt.Errorf("cell %s%d: %w", tiles.ColumnLabel(cr.StartCol+x), cr.StartRow+y, err)
			}
			g.Set(x, y, code)
		}
	}
	return g, nil
}

func parseCell(cell any) (tiles.Code, error) {
	switch v := cell.(type) {
	case nil:
		return tiles.Empty, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return tiles.Empty, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer: %w", v, tiles.ErrParse)
		}
		return tiles.Code(n), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%v is not an integer: %w", v, tiles.ErrParse)
		}
		return tiles.Code(int(v)), nil
	default:
		return 0, fmt.Errorf("unexpected cell %T: %w", cell, tiles.ErrParse)
	}
}
