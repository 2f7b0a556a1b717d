// 风控模拟: 内存执行层上的端到端演示
//
// 三个账户:
//   SIM-DLL  日内亏损超限 → 暂停 + 平仓
//   SIM-DD   移动回撤超限 → 暂停 + 平仓 (首次平仓被拒绝，重试成功)
//   SIM-PASS 达到盈利目标 → 通过考核，离开调度

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
	"propguard.com/pkg/scheduler"
	"propguard.com/pkg/simexec"
	"propguard.com/pkg/supervisor"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exchange := simexec.New()
	exchange.SetPointValue("ES", decimal.NewFromInt(50))
	exchange.SetPointValue("NQ", decimal.NewFromInt(20))
	exchange.SetFlattenDelay(200 * time.Millisecond)

	cfg := supervisor.DefaultConfig()
	cfg.Scheduler = scheduler.Config{
		FocusedInterval:    300 * time.Millisecond,
		BackgroundInterval: 600 * time.Millisecond,
		CycleTimeout:       5 * time.Second,
	}
	cfg.Flattener = liquidation.FlattenerConfig{
		MaxAttempts:    5,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		AttemptTimeout: 2 * time.Second,
		AlertTimeout:   time.Second,
	}
	cfg.Updater.RateLimit = 0

	sup := supervisor.New(cfg, supervisor.Deps{Exec: exchange, Broker: exchange})

	events, unsubscribe := sup.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			printEvent(ev)
		}
	}()

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	rules := account.RuleSet{
		MaxDailyLoss:     decimal.NewFromInt(1000),
		MaxContracts:     5,
		TrailingDrawdown: decimal.NewFromInt(2000),
		ProfitTarget:     decimal.NewFromInt(3000),
	}
	for _, id := range []string{"SIM-DLL", "SIM-DD", "SIM-PASS"} {
		acc, err := account.NewFundedAccount(id, "simulation", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), rules)
		if err != nil {
			log.Fatalf("new account: %v", err)
		}
		exchange.Open(id)
		if err := sup.Onboard(ctx, acc); err != nil {
			log.Fatalf("onboard: %v", err)
		}
	}
	_ = sup.Focus("SIM-DLL", true)

	script := []struct {
		after time.Duration
		desc  string
		do    func()
	}{
		{500 * time.Millisecond, "SIM-DLL buys 2 ES @ 5000", func() {
			exchange.Trade("SIM-DLL", "ES", metrics.SideBuy, 2, decimal.NewFromInt(5000))
		}},
		{500 * time.Millisecond, "SIM-DD buys 1 NQ @ 18000, SIM-PASS buys 1 ES @ 5000", func() {
			exchange.Trade("SIM-DD", "NQ", metrics.SideBuy, 1, decimal.NewFromInt(18000))
			exchange.Trade("SIM-PASS", "ES", metrics.SideBuy, 1, decimal.NewFromInt(5000))
		}},
		{time.Second, "ES drops to 4992 (SIM-DLL -800, 80% of daily limit)", func() {
			exchange.Mark("ES", decimal.NewFromInt(4992))
		}},
		{time.Second, "ES drops to 4989.99 (SIM-DLL -1001)", func() {
			exchange.Mark("ES", decimal.RequireFromString("4989.99"))
		}},
		{time.Second, "NQ rallies to 18060 (SIM-DD peak +1200)", func() {
			exchange.Mark("NQ", decimal.NewFromInt(18060))
		}},
		{time.Second, "NQ falls to 17955 (SIM-DD drawdown 2100), broker rejects the first flatten", func() {
			exchange.RejectFlatten("SIM-DD", 1, "ORDER_REJECTED")
			exchange.Mark("NQ", decimal.NewFromInt(17955))
		}},
		{1500 * time.Millisecond, "manual flatten on already-flat SIM-DLL", func() {
			if err := sup.FlattenAccount(ctx, "SIM-DLL"); err != nil {
				log.Printf("[Simulation] manual flatten SIM-DLL: %v", err)
			}
		}},
		{time.Second, "SIM-PASS sells 1 ES @ 5061 (+3050 realized)", func() {
			exchange.Trade("SIM-PASS", "ES", metrics.SideSell, 1, decimal.NewFromInt(5061))
		}},
	}

	for _, step := range script {
		select {
		case <-ctx.Done():
			shutdown(sup, unsubscribe, done)
			return
		case <-time.After(step.after):
		}
		log.Printf("[Simulation] ---- %s", step.desc)
		step.do()
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}

	printSummary(sup)
	shutdown(sup, unsubscribe, done)
}

func shutdown(sup *supervisor.Supervisor, unsubscribe func(), done <-chan struct{}) {
	sup.Stop()
	unsubscribe()
	<-done
}

func printEvent(ev account.Event) {
	switch ev.Type {
	case account.EventMetricsUpdated:
		return
	case account.EventViolationRecorded:
		v := ev.Violation
		log.Printf("[Event] %-10s VIOLATION %s limit=%s actual=%s id=%d",
			ev.AccountID, v.Kind, v.RuleLimit.StringFixed(2), v.ActualValue.StringFixed(2), v.ID)
	default:
		log.Printf("[Event] %-10s %s %s", ev.AccountID, ev.Type, ev.Message)
	}
}

func printSummary(sup *supervisor.Supervisor) {
	fmt.Println()
	fmt.Println("==================== Summary ====================")
	fmt.Printf("%-10s %-10s %-15s %12s %12s %12s %4s %4s\n",
		"account", "status", "health", "dailyPnL", "totalPnL", "drawdown", "pos", "viol")
	for _, a := range sup.ListAccounts() {
		m := a.Metrics
		fmt.Printf("%-10s %-10s %-15s %12s %12s %12s %4d %4d\n",
			a.ID, a.Status, a.Health(),
			m.DailyPnL.StringFixed(2), m.TotalPnL.StringFixed(2), m.CurrentDrawdown.StringFixed(2),
			m.OpenPositions, len(a.Violations))
	}
	stats := sup.Flattener().Stats()
	fmt.Printf("\nflattens: succeeded=%d failed=%d\n", stats.Succeeded, stats.Failed)
}
