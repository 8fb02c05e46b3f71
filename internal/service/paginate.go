package service

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/con-j-e/featsync/internal/logger"
)

// Sender is anything that can perform a Request; *Dispatcher is the production one.
type Sender interface {
	Send(ctx context.Context, req Request) (Content, error)
}

type pageMarker struct {
	ExceededTransferLimit bool `json:"exceededTransferLimit"`
}

// Paginate fetches every page of a query. Each page is requested with
// resultOffset/resultRecordCount and the loop continues while the latest
// page reports exceededTransferLimit. The offset always advances by
// pageSize, whatever the page actually held.
func Paginate(ctx context.Context, s Sender, req Request, pageSize int) ([]Content, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("paginate %s: page size must be positive, got %d", req.URL, pageSize)
	}
	req.Read = ReadJSON

	var pages []Content
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		for k, vs := range req.Query {
			q[k] = append([]string(nil), vs...)
		}
		q.Set("resultOffset", strconv.Itoa(offset))
		q.Set("resultRecordCount", strconv.Itoa(pageSize))

		page := req
		page.Query = q
		c, err := s.Send(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("paginate %s at offset %d: %w", req.URL, offset, err)
		}
		pages = append(pages, c)

		var m pageMarker
		if err := c.Decode(&m); err != nil {
			return nil, fmt.Errorf("paginate %s at offset %d: %w", req.URL, offset, err)
		}
		if !m.ExceededTransferLimit {
			break
		}
	}
	logger.Debug("paginate %s: %d page(s) of up to %d records", req.URL, len(pages), pageSize)
	return pages, nil
}
