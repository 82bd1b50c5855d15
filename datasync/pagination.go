package datasync

import (
	"context"
	"fmt"
)

// pageResponse is the paginated list envelope returned by the API.
type pageResponse[T Item] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	TotalPages int `json:"totalPages"`
	TotalItems int `json:"totalItems"`
}

// fetchPage reads one page (or the whole list for the flat shape).
func (c *Controller[T]) fetchPage(ctx context.Context, page int) ([]T, Pagination, error) {
	if !c.cfg.Paginated {
		var items []T
		if err := c.api.Get(ctx, c.cfg.Path, &items); err != nil {
			return nil, Pagination{}, err
		}
		return items, Pagination{}, nil
	}

	path := fmt.Sprintf("%s?page=%d&limit=%d", c.cfg.Path, page, c.cfg.PageSize)
	var resp pageResponse[T]
	if err := c.api.Get(ctx, path, &resp); err != nil {
		return nil, Pagination{}, err
	}
	pg := Pagination{
		Page:       resp.Page,
		TotalPages: resp.TotalPages,
		TotalItems: resp.TotalItems,
		HasMore:    resp.Page < resp.TotalPages,
	}
	return resp.Items, pg, nil
}

// LoadMore appends the next page to the collection. It is a no-op for the
// flat shape, when no further pages exist, or while a load is in progress.
func (c *Controller[T]) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if !c.cfg.Paginated || c.loading || c.loadingMore || !c.pg.HasMore {
		c.mu.Unlock()
		return nil
	}
	c.loadingMore = true
	next := c.pg.Page + 1
	c.mu.Unlock()

	items, pg, err := c.fetchPage(ctx, next)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadingMore = false
	if err != nil {
		return err
	}
	for _, item := range items {
		c.entries = append(c.entries, entry[T]{item: item})
	}
	c.pg = pg
	return nil
}
