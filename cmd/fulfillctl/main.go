package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fulfillctl",
		Short:         "Operator tooling for the fulfillment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(tokenCmd())

	return rootCmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func orderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order [order-id]",
		Short: "Show an order with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			orders := service.NewOrderService(db, service.NewCatalogResolver(db), nil, nil, cfg.Business.StatusCacheTTL)
			view, err := orders.GetOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [order-id]",
		Short: "List payment notifications recorded for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := service.NewAuditLog(db).ListByOrder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [mercadopago-payment-id]",
		Short: "Fetch a MercadoPago payment and apply it as if its notification had arrived",
		Long: `Fetch a payment from MercadoPago by id and run it through the fulfillment
engine. Use it when a notification never arrived. Queued events that
exhausted their retries are replayed with replay-dead-letters instead.
Re-applying an already processed payment changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			rdb, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer rdb.Close()

			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
			defer producer.Close()

			timeout, _ := cmd.Flags().GetDuration("timeout")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			mp := gateway.NewMercadoPago(gateway.MercadoPagoConfig{
				BaseURL:     cfg.Gateways.MercadoPago.BaseURL,
				AccessToken: cfg.Gateways.MercadoPago.AccessToken,
				Timeout:     cfg.Business.GatewayTimeout,
			})
			ev, err := mp.ConfirmPayment(ctx, args[0])
			if err != nil {
				return err
			}

			// order events go out on the order topic only; payment topic is unused here
			engine := service.NewEngine(db, service.NewAuditLog(db), rdb, broker.NewEventPublisher(producer, producer), cfg.Business.StatusCacheTTL)
			out, err := engine.Apply(ctx, ev)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().Duration("timeout", 30*time.Second, "Overall deadline for the reconcile")

	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay-dead-letters",
		Short: "Apply payment events that exhausted their retries in async mode",
		Long: `Read the payment dead-letter topic and run each event through the
fulfillment engine once. The replay stops at the first event that fails again
and leaves it on the topic, so fix the cause and run the command again.
Events were audited when their notification arrived and are not audited twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			rdb, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer rdb.Close()

			producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
			defer producer.Close()

			dlq := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter, cfg.Kafka.ConsumerGroup+"-replay", 1)
			engine := service.NewEngine(db, service.NewAuditLog(db), rdb, broker.NewEventPublisher(producer, producer), cfg.Business.StatusCacheTTL)
			w := worker.NewPaymentEventWorker(dlq, engine)
			// Stop closes the reader, which flushes pending offset commits
			defer w.Stop()

			window, _ := cmd.Flags().GetDuration("for")
			ctx, cancel := context.WithTimeout(cmd.Context(), window)
			defer cancel()

			n, err := w.Replay(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events\n", n)
			return err
		},
	}

	cmd.Flags().Duration("for", 30*time.Second, "How long to wait for dead-lettered events")

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a user (development and support use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			secret, _ := cmd.Flags().GetString("secret")

			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("no signing secret: set JWT_SECRET or pass --secret")
			}

			tok, err := api.SignToken(secret, models.Actor{UserID: userID, Name: name, Email: email}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringP("user", "u", "", "User id (token subject)")
	cmd.Flags().String("name", "", "Display name claim")
	cmd.Flags().String("email", "", "Email claim")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.Flags().String("secret", "", "Signing secret (defaults to JWT_SECRET)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func openStore() (*store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		return nil, nil, err
	}
	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
