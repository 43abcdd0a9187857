package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/capture"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/cmdutil"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/config"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/dispatch"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/events"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/handler"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/intel"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/logger"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/metrics"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/output"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/signals"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ExtractCmd = &cobra.Command{
	Use:   "extract <capture>...",
	Short: "Extract artifacts and events from capture files",
	Long: `Read one or more pcap or pcapng files and reconstruct what their
application protocols carried.

Completed files are written below the output directory as
<output>/<server>/<protocol - port>/<filename>. Every extracted event is
printed to stdout as one JSON object per line.

Example:
  flowminer extract -o ./loot capture.pcap
  flowminer extract --events=false -o ./loot day1.pcapng day2.pcapng
  flowminer extract --metrics-addr :9102 big.pcap > events.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	def := config.Default()

	ExtractCmd.Flags().StringP("output", "o", "", "Directory for extracted files (none when empty)")
	ExtractCmd.Flags().Bool("events", def.Output.Events, "Print extracted events to stdout as JSON lines")
	ExtractCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address (host:port)")
	ExtractCmd.Flags().String("intel-file", "", "YAML file with JA3, JA3S and certificate tables")
	ExtractCmd.Flags().Int("session-capacity", def.Capture.SessionCapacity, "Maximum number of tracked sessions")
	ExtractCmd.Flags().String("max-pending-bytes", strconv.Itoa(def.Capture.MaxPendingBytes), "Maximum unconsumed bytes per stream direction (K, M, G suffixes)")
	ExtractCmd.Flags().String("max-artifact-size", strconv.FormatInt(def.Limits.MaxArtifactSize, 10), "Maximum size of one extracted file (K, M, G suffixes)")

	// Bind to viper for config file support
	cobra.CheckErr(cmdutil.BindFlags(viper.GetViper(), ExtractCmd.Flags(), map[string]string{
		"output":            "output.directory",
		"events":            "output.events",
		"metrics-addr":      "metrics_addr",
		"intel-file":        "intel_file",
		"session-capacity":  "capture.session_capacity",
		"max-pending-bytes": "capture.max_pending_bytes",
		"max-artifact-size": "limits.max_artifact_size",
	}))
}

// summary is printed to stderr once every capture was read.
type summary struct {
	Build       version.Build `json:"build"`
	Files       []string `json:"files"`
	Frames      uint64   `json:"frames"`
	Hosts       int      `json:"hosts"`
	Credentials int      `json:"credentials"`
	Artifacts   int      `json:"artifacts"`
	WriteErrors int      `json:"write_errors,omitempty"`
	Events      int      `json:"events,omitempty"`
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := cmdutil.LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger.Configure(cfg.Log)

	tables, err := intel.Load(cfg.IntelFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env := handler.NewEnv(cfg, events.NewBus(), tables, metrics.New(reg))

	var artifacts *output.ArtifactWriter
	if cfg.Output.Directory != "" {
		artifacts, err = output.NewArtifactWriter(cfg.Output.Directory)
		if err != nil {
			return err
		}
		artifacts.Attach(env.Bus)
	}
	var eventLog *output.EventLog
	if cfg.Output.Events {
		eventLog = output.NewEventLog(cmd.OutOrStdout())
		eventLog.Attach(env.Bus)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cleanup := signals.SetupHandler(ctx, cancel)
	defer cleanup()

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, reg)
		if err != nil {
			return err
		}
		defer srv.shutdown()
	}

	engine := capture.NewEngine(env, dispatch.NewDefault(env))
	for _, path := range args {
		if err := extractFile(ctx, engine, path); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Warn("Extraction interrupted", "file", path, "frames", engine.Frames())
				break
			}
			return err
		}
	}

	s := summary{
		Build:       version.Current(),
		Files:       args,
		Frames:      engine.Frames(),
		Hosts:       env.Hosts.Len(),
		Credentials: env.Credentials.Len(),
	}
	if artifacts != nil {
		s.Artifacts, s.WriteErrors = artifacts.Stats()
	}
	if eventLog != nil {
		if err := eventLog.Err(); err != nil {
			return err
		}
		s.Events = eventLog.Count()
	}
	return output.WriteJSON(cmd.ErrOrStderr(), s)
}

func extractFile(ctx context.Context, engine *capture.Engine, path string) error {
	r, err := capture.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer r.Close()

	logger.Info("Reading capture", "file", path, "link_type", r.LinkType().String())
	before := engine.Frames()
	if err := engine.Run(ctx, r); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	logger.Info("Capture done", "file", path, "frames", engine.Frames()-before)
	return nil
}
