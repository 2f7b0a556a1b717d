package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"propguard.com/pkg/account"
	"propguard.com/pkg/alerting"
	"propguard.com/pkg/config"
	"propguard.com/pkg/gateway"
	"propguard.com/pkg/idgen"
	"propguard.com/pkg/kafka"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
	natsbus "propguard.com/pkg/nats"
	"propguard.com/pkg/simexec"
	"propguard.com/pkg/store"
	"propguard.com/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the risk supervisor",
	Long: `Start monitoring every onboarded account.

Configuration is read from the environment (and .env if present).
Accounts listed in ACCOUNTS_FILE are onboarded on start if not already stored.`,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := idgen.InitSnowflake(cfg.SnowflakeNode); err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========== 存储 ==========
	var repo store.Repository
	if cfg.StoreDriver != "none" {
		dsn := cfg.SQLitePath
		if cfg.StoreDriver == "mysql" {
			dsn = cfg.MySQLDSN
		}
		gormRepo, err := store.Open(cfg.StoreDriver, dsn)
		if err != nil {
			return err
		}
		repo = gormRepo
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer rdb.Close()
			repo = store.NewCachedRepository(gormRepo, rdb)
		}
	}

	// ========== 执行层 ==========
	var (
		exec   metrics.ExecutionLayer
		broker liquidation.BrokerConnector
	)
	if cfg.ExecutionURL != "" {
		gw := gateway.New(cfg.ExecutionURL, cfg.ExecutionToken, cfg.CycleTimeout)
		exec, broker = gw, gw
	} else {
		log.Println("[riskd] EXECUTION_URL not set, using in-memory execution layer")
		sim := simexec.New()
		exec, broker = sim, sim
	}

	// ========== 告警 + Kafka ==========
	alerters := alerting.Multi{alerting.LogAlerter{}}
	var producer *kafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = kafka.NewProducer(kafka.DefaultProducerConfig(cfg.KafkaBrokers))
		if err != nil {
			return err
		}
		defer producer.Close()
		alerters = append(alerters, alerting.NewKafkaAlerter(producer, cfg.KafkaAlertTopic))
	}
	if cfg.TelegramBotToken != "" {
		tg, err := alerting.NewTelegramAlerter(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return err
		}
		alerters = append(alerters, tg)
	}

	// ========== 监督器 ==========
	supCfg, err := cfg.SupervisorConfig()
	if err != nil {
		return err
	}
	sup := supervisor.New(supCfg, supervisor.Deps{
		Exec:    exec,
		Broker:  broker,
		Repo:    repo,
		Alerter: alerters,
	})

	if producer != nil {
		sup.AddSink("kafka-audit", kafka.NewAuditSink(producer, cfg.KafkaAuditTopic))
	}

	var cmdSub *natsbus.Subscriber
	if cfg.NATSURL != "" {
		conn, err := natsbus.Connect(cfg.NATSURL, "riskd")
		if err != nil {
			return err
		}
		pub := natsbus.NewPublisher(conn)
		defer pub.Close()
		sup.AddSink("nats", pub)

		cmdSub = natsbus.NewSubscriber(conn, sup, cfg.CycleTimeout*3)
		if err := cmdSub.Start("riskd"); err != nil {
			return err
		}
		defer cmdSub.Close()
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Stop()

	if err := onboardFromFile(ctx, sup, cfg.AccountsFile); err != nil {
		return err
	}

	// ========== 成交推送 ==========
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topics:  []string{cfg.KafkaFillTopic},
		}, kafka.FillHandler(sup.OnFill))
		if err != nil {
			return err
		}
		consumer.Start(ctx)
		defer consumer.Stop()
	}

	log.Printf("[riskd] running: accounts=%d", len(sup.ListAccounts()))
	<-ctx.Done()
	log.Println("[riskd] shutting down")
	return nil
}

// onboardFromFile 开户文件中尚未存在的账户
func onboardFromFile(ctx context.Context, sup *supervisor.Supervisor, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("[riskd] accounts file %s not found, skipping onboarding", path)
		return nil
	}

	accounts, err := config.LoadAccounts(path)
	if err != nil {
		return err
	}
	added := 0
	for _, acc := range accounts {
		if err := sup.Onboard(ctx, acc); err != nil {
			if errors.Is(err, account.ErrAccountExists) {
				continue
			}
			return err
		}
		added++
	}
	log.Printf("[riskd] onboarded %d new account(s) from %s", added, path)
	return nil
}
