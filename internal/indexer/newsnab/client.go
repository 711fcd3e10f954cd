package newsnab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/datallboy/usenetd/internal/indexer"
)

type Client struct {
	BaseURL string
	APIKey  string
	name    string
	http    *http.Client
}

func New(name, baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{name: name, BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, http: hc}
}

func (c *Client) Name() string { return c.name }

// DownloadNZB fetches the NZB of release id with t=get.
func (c *Client) DownloadNZB(ctx context.Context, id string) (*indexer.Download, error) {
	q := url.Values{"t": {"get"}, "id": {id}}
	if c.APIKey != "" {
		q.Set("apikey", c.APIKey)
	}
	u := c.BaseURL + "/api?" + q.Encode()

	dl, err := indexer.Get(ctx, c.http, u)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	if apiErr, ok := asAPIError(dl.Data); ok {
		return nil, fmt.Errorf("%s: %w", c.name, apiErr)
	}
	if dl.Name == "" {
		dl.Name = id
	}
	return dl, nil
}
