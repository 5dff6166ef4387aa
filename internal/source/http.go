package source

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/modsync/internal/version"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// HTTPClient is the base client every HTTP backed source clones.
var HTTPClient = req.C().
	SetCommonRetryCount(3).
	SetCommonRetryBackoffInterval(500*time.Millisecond, 8*time.Second).
	SetCommonRetryCondition(func(resp *req.Response, err error) bool {
		if err != nil {
			return !isContextError(err)
		}
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	}).
	SetTimeout(10*time.Minute).
	SetUserAgent(version.UserAgent()).
	SetJsonMarshal(jsonMarshal).
	SetJsonUnmarshal(jsonUnmarshal)

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// pacer spaces requests to a host so a source is never hit faster than its rate.
type pacer struct {
	lim *limiter.Limiter
}

func newPacer(rate limiter.Rate) *pacer {
	return &pacer{lim: limiter.New(memory.NewStore(), rate)}
}

// Wait blocks until a request to key is allowed.
func (p *pacer) Wait(ctx context.Context, key string) error {
	for {
		lctx, err := p.lim.Get(ctx, key)
		if err != nil {
			return err
		}
		if !lctx.Reached {
			return nil
		}

		wait := time.Until(time.Unix(lctx.Reset, 0))
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// pacedClient clones base and paces every outgoing request per host.
func pacedClient(base *req.Client, rate limiter.Rate) *req.Client {
	if base == nil {
		base = HTTPClient
	}
	c := base.Clone()
	p := newPacer(rate)
	c.Transport.WrapRoundTripFunc(func(rt http.RoundTripper) req.HttpRoundTripFunc {
		return func(r *http.Request) (*http.Response, error) {
			if err := p.Wait(r.Context(), r.URL.Host); err != nil {
				return nil, err
			}
			return rt.RoundTrip(r)
		}
	})
	return c
}

// perSecond builds a limiter rate of n requests per second. n <= 0 disables pacing.
func perSecond(n int64) limiter.Rate {
	if n <= 0 {
		n = 1 << 20
	}
	return limiter.Rate{Period: time.Second, Limit: n}
}

// get performs a GET and classifies failures into a FetchError filled from fe.
func get(ctx context.Context, c *req.Client, fe FetchError, url string, opts ...func(*req.Request)) (*req.Response, error) {
	r := c.R().SetContext(ctx)
	for _, opt := range opts {
		opt(r)
	}

	resp, err := r.Get(url)
	if cerr := classifyResponse(ctx, resp, err); cerr != nil {
		if resp != nil && resp.Response != nil {
			fe.StatusCode = resp.StatusCode
		}
		fe.Err = cerr
		return nil, &fe
	}
	return resp, nil
}
