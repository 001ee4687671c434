package jobs

import (
	"context"
	"fmt"
	"time"

	"marketbot/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// BasketSweeper releases expired holds of every user
type BasketSweeper interface {
	SweepAll(ctx context.Context) (int, error)
}

// StartBasketSweep schedules the expired-basket sweep on a seconds-resolution
// cron spec such as "0 */5 * * * *". Stop the returned cron on shutdown.
func StartBasketSweep(spec string, sweeper BasketSweeper) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc(spec, func() { runSweep(sweeper) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	c.Start()
	util.GetLogger().Info("Basket sweep job started", zap.String("schedule", spec))
	return c, nil
}

func runSweep(sweeper BasketSweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := util.GetLogger()
	n, err := sweeper.SweepAll(ctx)
	if err != nil {
		logger.Error("Failed to sweep expired baskets", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("Expired basket holds released", zap.Int("count", n))
	}
}
