package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irctrakz/ifstack/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	simulateInterval time.Duration
	metricsInterval  time.Duration
	metricsFormat    string
	healthAddr       string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	Long: `
Start the daemon: publish and register every configured device, then run
until SIGINT or SIGTERM.

Examples:
  ifstackd run                             # two simulated Ethernet devices
  ifstackd run -c ifstack.yaml             # devices from ifstack.yaml
  ifstackd run --simulate 100ms            # inject synthetic traffic every 100ms
  ifstackd run --metrics 10s --format json # periodic JSON metrics
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ApplyLogging(); err != nil {
			return err
		}

		d := newDaemon(cfg)
		if err := d.start(); err != nil {
			return err
		}
		d.simulate(simulateInterval)

		stop := make(chan struct{})
		if metricsInterval > 0 {
			go runMetricsReporter(d, metricsInterval, metricsFormat, stop)
		}

		var srv *http.Server
		if healthAddr != "" {
			srv = &http.Server{Addr: healthAddr, Handler: healthHandler(d), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logging.Warnf("Health endpoint stopped: %v", err)
				}
			}()
		}

		sigc := make(chan os.Signal, 2)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigc
		logging.Infof("Received %s, shutting down", sig)

		close(stop)
		if srv != nil {
			_ = srv.Close()
		}
		d.stop()
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&simulateInterval, "simulate", 0, "Inject synthetic traffic into simulated devices at this interval (0 disables)")
	runCmd.Flags().DurationVar(&metricsInterval, "metrics", 0, "Log metrics at this interval (0 disables)")
	runCmd.Flags().StringVar(&metricsFormat, "format", "text", "Metrics format: text or json")
	runCmd.Flags().StringVar(&healthAddr, "health", ":8080", "Address of the health endpoint (empty disables)")
	rootCmd.AddCommand(runCmd)
}
