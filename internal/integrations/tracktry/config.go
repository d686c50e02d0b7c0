package tracktry

import (
	"time"

	"github.com/BearBump/TrackTry/config"
)

// NewFromConfig строит клиент из секции tracktry; пустые поля оставляют значения по умолчанию.
func NewFromConfig(httpc HTTPDoer, cfg config.TracktryConfig, opts ...Option) *Client {
	base := []Option{
		WithBaseURL(cfg.BaseURL),
		WithTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second),
		WithGoodStatusCodes(cfg.GoodStatusCodes...),
	}
	return New(httpc, cfg.APIKey, append(base, opts...)...)
}
