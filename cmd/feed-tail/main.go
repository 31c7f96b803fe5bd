package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/display"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/messaging"
	"crypto-live-feed/internal/infrastructure/stream"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	topicName := flag.String("topic", "transactions", "topic to follow: transactions or stats")
	transport := flag.String("transport", "", "sse or nats, overrides stream.transport")
	streamURL := flag.String("url", "", "base URL of the feed service, overrides stream.url")
	backfill := flag.Int("backfill", 10, "latest transactions to print after every (re)connect over sse, 0 disables")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *transport != "" {
		cfg.Stream.Transport = *transport
	}
	if *streamURL != "" {
		cfg.Stream.URL = *streamURL
	}

	log, err := logger.NewLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	topic, err := entity.ParseTopic(*topicName)
	if err != nil {
		log.Fatal("Invalid topic", zap.Error(err))
	}

	formatter, err := display.NewFormatter(cfg.Display.Timezone)
	if err != nil {
		log.Fatal("Invalid display timezone", zap.Error(err))
	}

	var dialer stream.Dialer
	switch cfg.Stream.Transport {
	case "nats":
		dialer = messaging.NewNATSDialer(&cfg.NATS, log)
	case "sse":
		dialer = stream.NewSSEDialer(cfg.Stream.URL)
	default:
		log.Fatal("Unsupported stream transport", zap.String("transport", cfg.Stream.Transport))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := stream.NewConsumer(dialer, topic, &cfg.Stream, log)
	tail := &tailer{formatter: formatter, logger: log}

	consumer.On(entity.EventTransactionUpdate, tail.transaction)
	consumer.On(entity.EventTransactionsUpdate, tail.refresh)
	consumer.On(entity.EventStatsUpdate, tail.stats)
	consumer.On(stream.EventError, func(env *entity.Envelope) {
		log.Warn("Stream error", zap.ByteString("detail", env.Raw))
	})
	if topic == entity.TopicTransactions && cfg.Stream.Transport == "sse" && *backfill > 0 {
		// events published while disconnected are missed; the snapshot endpoint fills the gap
		consumer.On(entity.EventConnected, func(*entity.Envelope) {
			tail.backfill(ctx, cfg.Stream.URL, *backfill)
		})
	}

	if err := consumer.Connect(ctx); err != nil {
		log.Fatal("Failed to connect", zap.Error(err))
	}
	log.Info("Following topic",
		zap.String("topic", topic.String()),
		zap.String("transport", cfg.Stream.Transport))

	select {
	case <-ctx.Done():
		consumer.Disconnect()
		<-consumer.Done()
	case <-consumer.Done():
		if err := consumer.Err(); err != nil {
			log.Error("Stream ended", zap.Error(err))
			os.Exit(1)
		}
	}
}

type tailer struct {
	formatter *display.Formatter
	logger    *logger.Logger
}

func (t *tailer) transaction(env *entity.Envelope) {
	var event entity.TransactionUpdateEvent
	if err := json.Unmarshal(env.Raw, &event); err != nil || event.Transaction == nil {
		t.logger.Warn("Malformed transaction_update", zap.Error(err))
		return
	}
	fmt.Println(t.formatter.FormatTransaction(event.Transaction))
}

func (t *tailer) refresh(env *entity.Envelope) {
	var event entity.TransactionsUpdateEvent
	if err := json.Unmarshal(env.Raw, &event); err != nil {
		t.logger.Warn("Malformed transactions_update", zap.Error(err))
		return
	}
	fmt.Printf("-- refreshed %s\n", t.formatter.FormatTime(event.Timestamp))
}

func (t *tailer) stats(env *entity.Envelope) {
	var event entity.StatsUpdateEvent
	if err := json.Unmarshal(env.Raw, &event); err != nil {
		t.logger.Warn("Malformed stats_update", zap.Error(err))
		return
	}
	fmt.Printf("-- stats %s\n", t.formatter.FormatTime(event.Timestamp))
	for _, n := range []struct {
		network entity.Network
		update  entity.NetworkStatsUpdate
	}{
		{entity.NetworkBitcoin, event.Bitcoin},
		{entity.NetworkEthereum, event.Ethereum},
	} {
		changed := make([]string, 0, len(n.update.Changes))
		for field := range n.update.Changes {
			changed = append(changed, field)
		}
		sort.Strings(changed)
		if len(changed) == 0 {
			fmt.Printf("   %-8s unchanged\n", n.network)
			continue
		}
		fmt.Printf("   %-8s changed: %s\n", n.network, strings.Join(changed, ", "))
	}
}

// backfill prints the newest transactions from the snapshot endpoint, oldest first
func (t *tailer) backfill(ctx context.Context, baseURL string, limit int) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	target := fmt.Sprintf("%s/api/transactions/latest?%s", strings.TrimRight(baseURL, "/"),
		url.Values{"network": {"all"}, "page": {"1"}, "limit": {fmt.Sprint(limit)}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		t.logger.Warn("Failed to build backfill request", zap.Error(err))
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.logger.Warn("Backfill failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("Backfill failed", zap.Int("status", resp.StatusCode))
		return
	}

	var page entity.TransactionPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.logger.Warn("Malformed backfill response", zap.Error(err))
		return
	}
	for i := len(page.Transactions) - 1; i >= 0; i-- {
		fmt.Println(t.formatter.FormatTransaction(page.Transactions[i]))
	}
}
