package imd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable indicates the deprivation index could not be resolved for a
// postcode: unknown postcode, upstream outage, or malformed response. The
// caller decides whether that blocks record creation.
var ErrUnavailable = errors.New("deprivation index unavailable")

// Resolver maps a UK postcode to its index-of-multiple-deprivation decile
// (1 = most deprived, 10 = least deprived).
type Resolver interface {
	Decile(ctx context.Context, postcode string) (int, error)
}

// Client resolves deciles against a postcode lookup service speaking the
// postcodes.io response shape.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type lookupResponse struct {
	Status int `json:"status"`
	Result struct {
		IMDDecile int `json:"imd_decile"`
	} `json:"result"`
}

func (c *Client) Decile(ctx context.Context, postcode string) (int, error) {
	endpoint := c.baseURL + "/postcodes/" + url.PathEscape(normalize(postcode))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build imd request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: lookup returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	decile := body.Result.IMDDecile
	if decile < 1 || decile > 10 {
		return 0, fmt.Errorf("%w: decile %d out of range", ErrUnavailable, decile)
	}

	return decile, nil
}

// normalize uppercases and strips spaces so "sw1a 1aa" and "SW1A1AA" hit the
// same upstream record and the same cache key.
func normalize(postcode string) string {
	return strings.ToUpper(strings.ReplaceAll(postcode, " ", ""))
}
