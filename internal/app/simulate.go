package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"collectible-alerts/internal/alerting"
)

const simulationWallet = "simulation"

// SimulateAlert 用静态价格源驱动一次告警流程：先以 From 建立基线，再以 To 触发。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (alerting.CheckResult, error) {
	if opts.MomentID == "" {
		return alerting.CheckResult{}, errors.New("--moment 必须提供")
	}
	for _, v := range []float64{opts.From, opts.To, opts.Target} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return alerting.CheckResult{}, errors.New("--from/--to/--target 必须大于 0")
		}
	}
	if len(a.newNotifiers()) == 0 {
		return alerting.CheckResult{}, errors.New("未配置任何告警通道")
	}

	prices := &staticPrices{values: map[string]float64{opts.MomentID: opts.From}}
	pcfg := simulationPollerConfig(a.Config.Poller)
	core, err := a.newCore(ctx, coreOptions{prices: prices, poller: &pcfg})
	if err != nil {
		return alerting.CheckResult{}, err
	}
	defer core.Close()

	kind := alerting.TypePriceAbove
	if opts.To < opts.From {
		kind = alerting.TypePriceBelow
	}
	target, once := opts.Target, 1
	alert, err := core.Engine.CreateAlert(simulationWallet, opts.MomentID, alerting.AlertOptions{
		Type:        kind,
		TargetPrice: &target,
		MaxTriggers: &once,
	})
	if err != nil {
		return alerting.CheckResult{}, err
	}

	if err := waitForBaseline(ctx, core.Engine, alert.ID, 5*time.Second); err != nil {
		return alerting.CheckResult{}, err
	}

	prices.set(opts.MomentID, opts.To)
	res, err := core.Engine.CheckPrices(ctx, simulationWallet)
	if err != nil {
		return alerting.CheckResult{}, err
	}
	a.Logger.Info().Int("triggered", len(res.Triggered)).Str("moment", opts.MomentID).Msg("simulation finished")
	return res, nil
}

func waitForBaseline(ctx context.Context, engine *alerting.Engine, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		got, err := engine.GetAlert(id)
		if err != nil {
			return err
		}
		if got.LastObservedValue != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待基线价格超时: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

type staticPrices struct {
	mu     sync.Mutex
	values map[string]float64
}

func (s *staticPrices) Prices(_ context.Context, ids []string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if v, ok := s.values[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *staticPrices) set(id string, v float64) {
	s.mu.Lock()
	s.values[id] = v
	s.mu.Unlock()
}

var _ alerting.PriceSource = (*staticPrices)(nil)
