// Package sentinelhub queries the Sentinel Hub Statistical API for per-field
// NDVI statistics over Sentinel-2 L2A imagery.
package sentinelhub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/lox/vineyard/internal/httputil"
	"github.com/lox/vineyard/internal/metrics"
	"github.com/lox/vineyard/internal/models"
	"github.com/lox/vineyard/internal/ndvi"
)

const (
	DefaultBaseURL = "https://services.sentinel-hub.com"

	tokenPath      = "/auth/realms/main/protocol/openid-connect/token"
	statisticsPath = "/api/v1/statistics"

	// refresh a little before the server-side expiry
	tokenSlack = 60 * time.Second
)

// NDVI from B04/B08, masking clouds and no-data via the scene classification.
const evalscript = `//VERSION=3
function setup() {
  return {
    input: [{ bands: ["B04", "B08", "SCL", "dataMask"] }],
    output: [
      { id: "ndvi", bands: 1, sampleType: "FLOAT32" },
      { id: "dataMask", bands: 1 }
    ]
  };
}

function evaluatePixel(s) {
  let ndvi = (s.B08 - s.B04) / (s.B08 + s.B04);
  let clear = [3, 8, 9, 10].indexOf(s.SCL) === -1;
  return {
    ndvi: [ndvi],
    dataMask: [s.dataMask && clear && isFinite(ndvi) ? 1 : 0]
  };
}`

type Config struct {
	ClientID         string
	ClientSecret     string
	BaseURL          string
	Timeout          time.Duration
	MaxCloudCoverage float64
}

// Client is an ndvi.Provider backed by Sentinel Hub.
type Client struct {
	httpClient *http.Client
	cfg        Config
	creds      clientcredentials.Config

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

var _ ndvi.Provider = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxCloudCoverage <= 0 {
		cfg.MaxCloudCoverage = 30
	}
	c := &Client{
		httpClient: httputil.NewClient(cfg.Timeout),
		cfg:        cfg,
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.BaseURL + tokenPath,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
	c.tokens = c.newTokenSource()
	return c
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// fetchToken requests a fresh token on every call; newTokenSource caches it.
type fetchToken struct {
	ctx   context.Context
	creds *clientcredentials.Config
}

func (f fetchToken) Token() (*oauth2.Token, error) {
	tok, err := f.creds.Token(f.ctx)
	if err != nil {
		metrics.SentinelTokenRefreshes.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SentinelTokenRefreshes.WithLabelValues("ok").Inc()
	return tok, nil
}

func (c *Client) newTokenSource() oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	return oauth2.ReuseTokenSourceWithExpiry(nil, fetchToken{ctx: ctx, creds: &c.creds}, tokenSlack)
}

func (c *Client) token() (*oauth2.Token, error) {
	c.mu.Lock()
	ts := c.tokens
	c.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	return tok, nil
}

// resetToken drops the cached token so the next request fetches a new one.
func (c *Client) resetToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = c.newTokenSource()
}

type statisticsRequest struct {
	Input struct {
		Bounds struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties struct {
				CRS string `json:"crs"`
			} `json:"properties"`
		} `json:"bounds"`
		Data []dataSource `json:"data"`
	} `json:"input"`
	Aggregation aggregation `json:"aggregation"`
}

type dataSource struct {
	Type       string `json:"type"`
	DataFilter struct {
		MaxCloudCoverage float64 `json:"maxCloudCoverage"`
	} `json:"dataFilter"`
}

type aggregation struct {
	TimeRange struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"timeRange"`
	AggregationInterval struct {
		Of string `json:"of"`
	} `json:"aggregationInterval"`
	Evalscript string  `json:"evalscript"`
	ResX       float64 `json:"resx"`
	ResY       float64 `json:"resy"`
}

type statisticsResponse struct {
	Data []struct {
		Interval struct {
			From time.Time `json:"from"`
			To   time.Time `json:"to"`
		} `json:"interval"`
		Outputs map[string]struct {
			Bands map[string]struct {
				Stats bandStats `json:"stats"`
			} `json:"bands"`
		} `json:"outputs"`
		Error *struct {
			Type string `json:"type"`
		} `json:"error,omitempty"`
	} `json:"data"`
	Status string `json:"status"`
}

type bandStats struct {
	Min         statValue `json:"min"`
	Max         statValue `json:"max"`
	Mean        statValue `json:"mean"`
	StDev       statValue `json:"stDev"`
	SampleCount int       `json:"sampleCount"`
	NoDataCount int       `json:"noDataCount"`
}

// statValue accepts numbers and the "NaN"/"Infinity" strings the API uses
// for intervals without valid pixels.
type statValue float64

func (v *statValue) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		*v = statValue(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = statValue(f)
	return nil
}

func (v statValue) valid() bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// FetchNDVI returns NDVI statistics for the block over [from, to). Daily
// intervals without clear pixels are skipped; the remaining ones are
// combined. ndvi.ErrNoData is returned when no interval has data.
func (c *Client) FetchNDVI(ctx context.Context, block models.Block, from, to time.Time) (models.NDVIStats, error) {
	if !c.Configured() {
		return models.NDVIStats{}, ndvi.ErrNotConfigured
	}
	if !block.HasGeometry() {
		return models.NDVIStats{}, fmt.Errorf("block %s has no geometry", block.ID)
	}

	token, err := c.token()
	if err != nil {
		return models.NDVIStats{}, err
	}

	body, err := c.buildRequest(block, from, to)
	if err != nil {
		return models.NDVIStats{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+statisticsPath, bytes.NewReader(body))
	if err != nil {
		return models.NDVIStats{}, fmt.Errorf("create request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NDVIStats{}, fmt.Errorf("fetch statistics: %w", err)
	}
	defer resp.Body.Close()

	if err := httputil.CheckResponse(resp); err != nil {
		var se *httputil.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			c.resetToken()
		}
		return models.NDVIStats{}, fmt.Errorf("fetch statistics: %w", err)
	}

	var sr statisticsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return models.NDVIStats{}, fmt.Errorf("decode statistics: %w", err)
	}
	return combine(sr)
}

func (c *Client) buildRequest(block models.Block, from, to time.Time) ([]byte, error) {
	geometry, err := block.Geometry.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}

	var r statisticsRequest
	r.Input.Bounds.Geometry = geometry
	r.Input.Bounds.Properties.CRS = "http://www.opengis.net/def/crs/OGC/1.3/CRS84"
	src := dataSource{Type: "sentinel-2-l2a"}
	src.DataFilter.MaxCloudCoverage = c.cfg.MaxCloudCoverage
	r.Input.Data = []dataSource{src}

	r.Aggregation.TimeRange.From = from.UTC().Format(time.RFC3339)
	r.Aggregation.TimeRange.To = to.UTC().Format(time.RFC3339)
	r.Aggregation.AggregationInterval.Of = "P1D"
	r.Aggregation.Evalscript = evalscript
	// ~10 m in degrees at mid latitudes
	r.Aggregation.ResX = 0.0001
	r.Aggregation.ResY = 0.0001

	return json.Marshal(r)
}

// combine averages the daily means and standard deviations of intervals that
// had valid pixels and keeps the extreme min and max.
func combine(sr statisticsResponse) (models.NDVIStats, error) {
	var (
		out    models.NDVIStats
		sumM   float64
		sumSD  float64
		n      int
		lo, hi = math.Inf(1), math.Inf(-1)
	)
	for _, d := range sr.Data {
		if d.Error != nil {
			continue
		}
		output, ok := d.Outputs["ndvi"]
		if !ok {
			continue
		}
		band, ok := output.Bands["B0"]
		if !ok {
			continue
		}
		s := band.Stats
		if !s.Mean.valid() || s.SampleCount-s.NoDataCount <= 0 {
			continue
		}

		sumM += float64(s.Mean)
		if s.StDev.valid() {
			sumSD += float64(s.StDev)
		}
		if s.Min.valid() {
			lo = math.Min(lo, float64(s.Min))
		}
		if s.Max.valid() {
			hi = math.Max(hi, float64(s.Max))
		}
		if n == 0 || d.Interval.From.Before(out.From) {
			out.From = d.Interval.From
		}
		if d.Interval.To.After(out.To) {
			out.To = d.Interval.To
		}
		n++
	}
	if n == 0 {
		return models.NDVIStats{}, ndvi.ErrNoData
	}

	out.Mean = sumM / float64(n)
	out.StdDev = sumSD / float64(n)
	if !math.IsInf(lo, 0) {
		out.Min = lo
	}
	if !math.IsInf(hi, 0) {
		out.Max = hi
	}
	return out, nil
}
