package pocketoption

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/correlator"
	"github.com/coachpo/pocketoption/internal/dispatcher"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
)

const (
	maxHistoryRequests = 10
	maxCandlesPerPage  = 9000
	indexAttempts      = 3
)

// Candles fetches the count most recent candles of asset at period, walking
// backward from the current server period until enough candles arrived or
// the request budget is spent. When a page times out after earlier pages
// succeeded, the candles collected so far are returned with a CodeTimeout
// error carrying errs.CanonicalPartialData.
func (c *Client) Candles(ctx context.Context, asset string, period time.Duration, count int) ([]Candle, error) {
	asset = strings.TrimSpace(asset)
	switch {
	case asset == "":
		return nil, errs.New("candles", errs.CodeInvalid, errs.WithMessage("asset is required"))
	case period < time.Second || period%time.Second != 0:
		return nil, errs.New("candles", errs.CodeInvalid, errs.WithMessage("period must be a whole number of seconds"))
	case count <= 0:
		return nil, errs.New("candles", errs.CodeInvalid, errs.WithMessage("count must be positive"))
	}

	end := session.PeriodStart(c.store.ServerTime(), period)
	var collected []session.Candle
	for req := 0; req < maxHistoryRequests; req++ {
		want := min(count-len(collected), maxCandlesPerPage)
		page, err := c.historyPage(ctx, asset, period, want, end)
		if err != nil {
			if len(collected) > 0 && errs.IsCode(err, errs.CodeTimeout) {
				return tail(collected, count), errs.New("candles", errs.CodeTimeout,
					errs.WithCanonicalCode(errs.CanonicalPartialData),
					errs.WithMessage("history page timed out"),
					errs.WithField("asset", asset),
					errs.WithCause(err))
			}
			return nil, err
		}
		if len(page.Candles) == 0 {
			break
		}
		collected = session.NormalizeCandles(append(collected, page.Candles...))
		earliest := collected[0].Time
		if len(collected) >= count || !earliest.Before(end) {
			break
		}
		end = earliest
	}
	c.logger.Debug("candles fetched",
		zap.String("asset", asset),
		zap.Duration("period", period),
		zap.Int("requested", count),
		zap.Int("received", len(collected)))
	return tail(collected, count), nil
}

func (c *Client) historyPage(ctx context.Context, asset string, period time.Duration, count int, end time.Time) (dispatcher.HistoryPage, error) {
	var (
		slot  *correlator.Slot
		index int64
		err   error
	)
	for range indexAttempts {
		index = end.Unix()*100 + rand.Int64N(100)
		slot, err = c.corr.Open(correlator.KindHistory, strconv.FormatInt(index, 10), c.timeouts.History)
		if err == nil {
			break
		}
	}
	if err != nil {
		return dispatcher.HistoryPage{}, err
	}

	frame, err := protocol.NewEvent(protocol.RequestHistory, protocol.HistoryRequest{
		Active:  asset,
		Period:  int(period / time.Second),
		Count:   count,
		EndTime: end.Unix(),
		Index:   index,
	})
	if err != nil {
		c.corr.Cancel(slot)
		return dispatcher.HistoryPage{}, err
	}

	started := time.Now()
	if err := c.sup.Send(ctx, frame); err != nil {
		c.corr.Cancel(slot)
		c.metrics.RequestCompleted(ctx, kindHistory, resultOf(err), time.Since(started))
		return dispatcher.HistoryPage{}, err
	}
	value, err := c.corr.Wait(ctx, slot)
	c.metrics.RequestCompleted(ctx, kindHistory, resultOf(err), time.Since(started))
	if err != nil {
		return dispatcher.HistoryPage{}, err
	}
	page, _ := value.(dispatcher.HistoryPage)
	if page.Asset != "" && !strings.EqualFold(page.Asset, asset) {
		return dispatcher.HistoryPage{}, errs.New("candles", errs.CodeDecode,
			errs.WithMessage("history page belongs to another asset"),
			errs.WithField("asset", asset),
			errs.WithField("page_asset", page.Asset))
	}
	return page, nil
}

func tail(candles []session.Candle, n int) []session.Candle {
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}
