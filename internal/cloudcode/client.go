// Package cloudcode is the upstream client: it wraps Messages API
// requests in the v1internal envelope, dispatches them across the
// account pool with retry and fail-over, and translates the SSE
// responses back into Anthropic form.
package cloudcode

import (
	"context"
	"io"
	"net/http"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/format"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// streamEventBuffer is the channel depth between the upstream reader
// and the HTTP writer; a slow client applies backpressure through it.
const streamEventBuffer = 16

// Client dispatches Messages API requests upstream.
type Client struct {
	manager  *account.Manager
	resolver *account.Resolver
	http     *http.Client
	cfg      *config.Config
	cache    *format.SignatureCache
	log      *utils.Logger
}

// NewClient builds a Client. The HTTP client carries no overall
// timeout; streamed responses are bounded by the request context.
func NewClient(manager *account.Manager, resolver *account.Resolver, cfg *config.Config, log *utils.Logger) *Client {
	return &Client{
		manager:  manager,
		resolver: resolver,
		http:     &http.Client{},
		cfg:      cfg,
		cache:    format.SharedSignatureCache(),
		log:      log,
	}
}

// Complete runs a non-streaming request. The SSE surface is used under
// the hood and accumulated, since the unary one omits thinking blocks.
func (c *Client) Complete(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	var out *anthropic.MessagesResponse
	err := c.withFallback(ctx, req, fallbackEnabled, func(body io.Reader, model string) error {
		merged, err := AccumulateStream(body)
		if err != nil {
			return err
		}
		out = format.ConvertGoogleToAnthropic(merged, model, c.cache)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream runs a streaming request. Events arrive on the first channel
// in protocol order; a terminal failure arrives on the second. Both
// channels close when the stream is done.
//
// Account fail-over only happens before the first event is emitted;
// once output has reached the caller the stream is committed.
func (c *Client) Stream(ctx context.Context, req *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, streamEventBuffer)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		err := c.withFallback(ctx, req, fallbackEnabled, func(body io.Reader, model string) error {
			return StreamSSE(body, model, c.cache, func(ev *anthropic.SSEEvent) error {
				select {
				case events <- ev:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		})
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}
