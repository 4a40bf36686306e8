// Command reconciler keeps local orders in step with a payment processor.
//
// Run the HTTP server with:
//
//	reconciler serve --config reconciler.yaml
//
// The server listens on :8080 by default. PORT and DB_PATH override the
// listen port and the BoltDB file, as do the RECONCILER_* variables for every
// other setting. Operators can replay a single notification with
// `reconciler reconcile <event-id>` and inspect a charge with
// `reconciler ledger <charge-id>`.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arkantrust/payment-reconciler/config"
	"github.com/arkantrust/payment-reconciler/handlers"
	"github.com/arkantrust/payment-reconciler/models"
	"github.com/arkantrust/payment-reconciler/reconcile"
	"github.com/arkantrust/payment-reconciler/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "reconciler",
		Short:         "Payment event reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(cartCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and confirmation HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			gin.SetMode(gin.ReleaseMode)
			h := handlers.New(a.engine, a.cfg.Server.CheckoutURL, a.cfg.Server.ConfirmationURL, a.engine.Logger)
			srv := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           h.Router(),
				ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
			}

			errc := make(chan error, 1)
			go func() {
				log.Printf("listening on %s (db: %s, ledger: %s)", srv.Addr, a.cfg.Store.Path, a.cfg.Store.LedgerDriver)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)
			case <-ctx.Done():
			}

			log.Printf("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <event-id>",
		Short: "Fetch one notification event from the processor and reconcile it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := reconcile.WithCorrelationID(cmd.Context(), uuid.New().String())
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.engine.HandleNotification(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", reconcile.CorrelationID(ctx), out)
			return nil
		},
	}
}

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <charge-id>",
		Short: "Print the ledger entries of a charge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return printLedger(cmd, a.engine.Ledger, args[0])
		},
	}
}

func printLedger(cmd *cobra.Command, l store.EntryReader, chargeID string) error {
	entries, err := l.Entries(chargeID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no ledger entries for charge %s", chargeID)
	}

	w := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-14s %-12s order=%d amount=%d method=%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Type, e.Source, e.OrderID, e.Amount, e.SourceType)
	}

	refunded, err := store.RefundedAmount(l, chargeID)
	if err != nil {
		return err
	}
	pending, err := store.FindPendingCharge(l, chargeID)
	if err != nil {
		return err
	}
	digits, err := store.LastFourDigits(l, chargeID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "refunded=%d pending=%t card=%s\n", refunded, pending != nil, digits)
	return nil
}

func cartCmd() *cobra.Command {
	var cart models.Cart
	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Store a cart so payments can be started against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cart.ID <= 0 {
				return errors.New("--id is required")
			}
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.store.PutCart(cart); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cart %d: %s\n", cart.ID, models.FormatAmount(cart.Total, cart.Currency))
			return nil
		},
	}
	cmd.Flags().Int64Var(&cart.ID, "id", 0, "cart id")
	cmd.Flags().Int64Var(&cart.Total, "total", 0, "total in minor currency units")
	cmd.Flags().StringVar(&cart.Currency, "currency", "eur", "ISO currency code")
	cmd.Flags().StringVar(&cart.Country, "country", "", "ISO country code")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "reconciler.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
