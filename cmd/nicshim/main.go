// Package main provides the nicshim daemon and its control client.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irctrakz/nicshim/pkg/config"
	"github.com/irctrakz/nicshim/pkg/control"
	"github.com/irctrakz/nicshim/pkg/core"
	"github.com/irctrakz/nicshim/pkg/dump"
	"github.com/irctrakz/nicshim/pkg/logging"
	"github.com/irctrakz/nicshim/pkg/metrics"
	"github.com/irctrakz/nicshim/pkg/nic"
	"github.com/irctrakz/nicshim/pkg/session"
	wg "github.com/irctrakz/nicshim/pkg/wireguard"
)

var (
	configFile string
	selfTest   bool
	rootCmd    = &cobra.Command{
		Use:   "nicshim",
		Short: "Capture and deferred-delivery shim for network driver tests",
		Long: `nicshim runs a simulated network adapter whose send and configuration
paths can be intercepted, inspected and released from a test harness over
an HTTP control channel.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.json or .yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the adapter and the control channel",
		RunE:  runServe,
	}
	serveCmd.Flags().BoolVar(&selfTest, "selftest", false, "run a capture round trip before serving")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	})
	rootCmd.AddCommand(newCtlCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		if err := config.LoadFromFile(configFile, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rxLogger receives frames indicated up the adapter's stack.
type rxLogger struct{ adapter string }

func (r rxLogger) ProcessFrame(f *core.Frame) error {
	if logging.IsDebug() {
		logging.Debugf("Adapter %s received %s", r.adapter, dump.Summarize(f.Data()))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}

	adapter, err := nic.NewMockAdapter(cfg.Adapter)
	if err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	adapter.SetFrameProcessor(rxLogger{adapter: adapter.Name()})

	var (
		link *wg.Link
		dev  wg.DeviceHandle
	)
	if cfg.WireGuard.Enabled {
		link = wg.NewLink("wg-"+adapter.Name(), cfg.WireGuard.MTU, 0, adapter)
		dev, err = wg.StartDevice(wg.DeviceConfigFrom(cfg.WireGuard), link)
		if err != nil {
			link.Close()
			return fmt.Errorf("wireguard start: %w", err)
		}
		adapter.SetMedium(link)
	}
	if err := adapter.Start(); err != nil {
		return fmt.Errorf("adapter start: %w", err)
	}

	m := metrics.New()
	sessions := session.NewRegistry()
	sess, err := sessions.Open(adapter, session.Config{Capture: cfg.Capture, Metrics: m})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	adapter.SetHooks(sess)

	if selfTest {
		if err := runSelfTest(sess, adapter); err != nil {
			logging.Errorf("Self-test failed: %v", err)
		} else {
			logging.Infof("Self-test passed")
		}
	}

	api := control.New(control.Config{Sessions: sessions, Metrics: m, Token: cfg.Control.Token})
	srv := &http.Server{
		Addr:              cfg.Control.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("Control channel listening on %s", cfg.Control.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stopReporter := make(chan struct{})
	if cfg.Control.MetricsInterval > 0 {
		go runMetricsReporter(sess, adapter, link, dev, time.Duration(cfg.Control.MetricsInterval)*time.Second, stopReporter)
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigc:
		logging.Infof("Received %s, shutting down", s)
	case err = <-errCh:
		logging.Errorf("Control channel failed: %v", err)
	}

	close(stopReporter)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warnf("Control channel shutdown: %v", err)
	}
	sessions.CloseAll()
	adapter.Stop()
	if dev != nil {
		dev.Close()
	}
	if link != nil {
		link.Close()
	}
	return err
}
