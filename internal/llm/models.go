package llm

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
)

const modelsCacheKey = "localchat:models"

// Model is one entry of the server's model list.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
	Created int64  `json:"created,omitempty"`
}

// ListModels returns the models the server advertises. Any failure yields an empty list.
func (c *Client) ListModels(ctx context.Context) []Model {
	if cached, ok := c.cachedModels(ctx); ok {
		return cached
	}

	page, err := c.models.Models.List(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to list models")
		return []Model{}
	}
	if page == nil {
		return []Model{}
	}

	out := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, Model{ID: m.ID, OwnedBy: m.OwnedBy, Created: m.Created})
	}
	c.storeModels(ctx, out)
	return out
}

func (c *Client) cachedModels(ctx context.Context) ([]Model, bool) {
	if c.modelsTTL <= 0 || !c.cache.Enabled() {
		return nil, false
	}
	raw, err := c.cache.Get(ctx, modelsCacheKey)
	if err != nil {
		return nil, false
	}
	var out []Model
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.WithError(err).Debug("discarding malformed models cache entry")
		return nil, false
	}
	return out, true
}

func (c *Client) storeModels(ctx context.Context, list []Model) {
	if c.modelsTTL <= 0 || !c.cache.Enabled() || len(list) == 0 {
		return
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, modelsCacheKey, payload, c.modelsTTL); err != nil {
		log.WithError(err).Debug("failed to cache models")
	}
}
