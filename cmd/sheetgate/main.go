package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/sheetgate/internal/config"
	"github.com/agentworkforce/sheetgate/internal/httpapi"
	"github.com/agentworkforce/sheetgate/internal/sheetgate"
	"github.com/agentworkforce/sheetgate/internal/telemetry"
)

const serviceName = "sheetgate"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var schemaFile string
	root := &cobra.Command{
		Use:          "sheetgate",
		Short:        "Serve spreadsheet ranges as typed entity sets",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&schemaFile, "schema", "", "schema file (default: SHEETGATE_SCHEMA_FILE)")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load()
		if err != nil {
			return config.Config{}, err
		}
		if strings.TrimSpace(schemaFile) != "" {
			cfg.SchemaFile = schemaFile
		}
		return cfg, nil
	}

	root.AddCommand(newServeCmd(loadConfig), newFetchCmd(loadConfig), newJournalCmd(loadConfig))
	return root
}

type configLoader func() (config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	metrics := sheetgate.NewMetrics()
	gw, err := buildGateway(cfg, metrics)
	if err != nil {
		return err
	}
	defer gw.Close()

	if cfg.WatchSchema {
		go func() {
			err := sheetgate.WatchSchemaFile(ctx, cfg.SchemaFile, func(set *sheetgate.SchemaSet) error {
				if err := gw.SetSchemas(ctx, set); err != nil {
					return err
				}
				log.Printf("schema reloaded from %s: %d entities", cfg.SchemaFile, len(set.Names()))
				return nil
			}, log.Default())
			if err != nil {
				log.Printf("schema watch stopped: %v", err)
			}
		}()
	}

	handler := httpapi.NewServerWithConfig(gw, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Metrics:         metrics.Handler(),
		Logger:          log.Default(),
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("sheetgate listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	log.Printf("sheetgate stopping: %v", ctx.Err())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newFetchCmd(load configLoader) *cobra.Command {
	var entities []string
	var pretty bool
	cmd := &cobra.Command{
		Use:   "fetch <source>",
		Short: "Fetch a batch and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			gw, err := buildGateway(cfg, nil)
			if err != nil {
				return err
			}
			defer gw.Close()
			result, err := gw.FetchBatch(cmd.Context(), args[0], entities)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", args[0], err)
			}
			return printBatch(cmd.OutOrStdout(), cmd.ErrOrStderr(), result, pretty)
		},
	}
	cmd.Flags().StringSliceVar(&entities, "entities", nil, "entity names to fetch (default: every entity of the source)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "pretty-print JSON output")
	return cmd
}

func printBatch(stdout, stderr io.Writer, result *sheetgate.BatchResult, pretty bool) error {
	out := struct {
		SourceID   string                        `json:"sourceId"`
		Entities   map[string][]sheetgate.Record `json:"entities"`
		Checksum   string                        `json:"checksum"`
		ServedFrom sheetgate.ServedFrom          `json:"servedFrom"`
	}{result.SourceID, result.Entities, result.Checksum, result.ServedFrom}
	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(out, "", "  ")
	} else {
		data, err = json.Marshal(out)
	}
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(stdout, string(data)); err != nil {
		return err
	}
	for _, d := range result.Diagnostics {
		where := d.Entity
		if d.Row > 0 {
			where = fmt.Sprintf("%s row %d", d.Entity, d.Row)
		}
		if d.Key != "" {
			where += " key " + d.Key
		}
		fmt.Fprintf(stderr, "%s: %s: %s\n", d.Kind, where, d.Message)
	}
	return nil
}

func newJournalCmd(load configLoader) *cobra.Command {
	journal := &cobra.Command{
		Use:   "journal",
		Short: "Manage the persistent journal",
	}
	var source string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop journal entries for one source or all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			j, err := cfg.BuildJournal()
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()
			if source = strings.TrimSpace(source); source != "" {
				if err := j.Invalidate(cmd.Context(), source); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "journal cleared for %s\n", source)
				return nil
			}
			if err := j.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "journal cleared")
			return nil
		},
	}
	clearCmd.Flags().StringVar(&source, "source", "", "only clear this source id")
	journal.AddCommand(clearCmd)
	return journal
}

func buildGateway(cfg config.Config, metrics *sheetgate.Metrics) (*sheetgate.Gateway, error) {
	schemas, err := sheetgate.LoadSchemaFile(cfg.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	store, err := cfg.BuildStore()
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	journal, err := cfg.BuildJournal()
	if err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	gw, err := sheetgate.New(sheetgate.Options{
		Store:    store,
		Journal:  journal,
		Schemas:  schemas,
		CacheTTL: cfg.CacheTTL,
		Retry:    cfg.RetryPolicy(),
		Logger:   log.Default(),
		Metrics:  metrics,
	})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	return gw, nil
}
