package indexer

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
)

// MaxNZBSize bounds a fetched document.
const MaxNZBSize = 64 << 20

// Get downloads rawURL. The name hint comes from the X-DNZB-Name header,
// then the Content-Disposition file name, then the URL path; the category
// from X-DNZB-Category.
func Get(ctx context.Context, hc *http.Client, rawURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer returned status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxNZBSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxNZBSize {
		return nil, fmt.Errorf("nzb larger than %d bytes", MaxNZBSize)
	}

	dl := &Download{
		Name:     resp.Header.Get("X-DNZB-Name"),
		Category: resp.Header.Get("X-DNZB-Category"),
		Data:     data,
	}
	if dl.Name == "" {
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
			dl.Name = trimExt(params["filename"])
		}
	}
	if dl.Name == "" && strings.EqualFold(path.Ext(req.URL.Path), ".nzb") {
		dl.Name = trimExt(path.Base(req.URL.Path))
	}
	return dl, nil
}

func trimExt(name string) string {
	if strings.EqualFold(path.Ext(name), ".nzb") {
		return name[:len(name)-len(".nzb")]
	}
	return name
}
