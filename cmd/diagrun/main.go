package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"diagrun/internal/common/cache"
	"diagrun/internal/common/mq"
	"diagrun/internal/common/storage"
	"diagrun/internal/diagrun"
	"diagrun/internal/diagrun/archive"
	"diagrun/internal/diagrun/artifact"
	"diagrun/internal/diagrun/engine"
	"diagrun/internal/diagrun/observer"
	"diagrun/internal/diagrun/repository"
	"diagrun/internal/diagrun/result"
	appErr "diagrun/pkg/errors"
	"diagrun/pkg/utils/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/diagrun.yaml"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// app carries state shared by the subcommands of one invocation.
type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
	exitCode   int
}

func execute(args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "diagrun: %v\n", err)
		if a.exitCode == 0 {
			return appErr.InvalidParams.ExitCode()
		}
	}
	return a.exitCode
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "diagrun",
		Short: "Run a diagnostic container and capture an artifact trail",
		Long: `diagrun drives one container through pull, create, start, monitor and stop
using the container engine CLI. Every run leaves a directory of JSON snapshots,
the container log, its engine events and a final result.json.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "Path to config file")
	root.AddCommand(newRunCmd(a), newProbeCmd(a), newStatusCmd(a))
	return root
}

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Print the engine version document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			eng := engine.NewCLI(engine.Config{Binary: cfg.Engine.Binary, CommandTimeout: cfg.Engine.CommandTimeout})
			doc := eng.Version(cmd.Context())
			if err := a.printJSON(doc); err != nil {
				return err
			}
			if !doc.Available() {
				a.exitCode = appErr.RuntimeUnavailable.ExitCode()
			}
			return nil
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command...]",
		Short: "Run one container and print its result",
		Example: `  diagrun run --image alpine --timeout 10 -- sh -c 'uname -a'
  diagrun run --request run.yaml --mount /tmp/x:/data:ro`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()
			req, err := opts.buildRequest(cmd.Flags().Changed, args)
			if err != nil {
				a.exitCode = appErr.GetCode(err).ExitCode()
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runner, cleanup := buildRunner(ctx, cfg)
			defer cleanup()

			res, runErr := runner.Run(ctx, req)
			if runErr != nil {
				logger.Error(ctx, "run failed", zap.Error(runErr))
			}
			if err := a.printJSON(res); err != nil {
				return err
			}
			a.exitCode = result.Code(res).ExitCode()
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) (*AppConfig, error) {
	cfg, err := loadAppConfig(a.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		a.exitCode = appErr.InvalidParams.ExitCode()
		return nil, fmt.Errorf("load app config failed: %w", err)
	}
	if err := logger.Init(cfg.Logger); err != nil {
		a.exitCode = appErr.InvalidParams.ExitCode()
		return nil, fmt.Errorf("init logger failed: %w", err)
	}
	return cfg, nil
}

func (a *app) printJSON(v interface{}) error {
	data, err := artifact.EncodeJSON(v)
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(data)
	return err
}

// buildRunner wires the engine and every configured backend. Backends that fail
// to initialize are logged and skipped; a run never depends on them.
func buildRunner(ctx context.Context, cfg *AppConfig) (*diagrun.Runner, func()) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	eng := engine.NewCLI(engine.Config{Binary: cfg.Engine.Binary, CommandTimeout: cfg.Engine.CommandTimeout})
	var opts []diagrun.Option

	if cfg.Metrics.Textfile != "" {
		opts = append(opts, diagrun.WithMetrics(observer.NewPrometheusMetrics(cfg.Metrics.Textfile)))
	}

	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			logger.Warn(ctx, "init redis failed, status reporting disabled", zap.Error(err))
		} else {
			closers = append(closers, func() { _ = redisCache.Close() })
			statusRepo := repository.NewStatusRepository(redisCache, cfg.Status.TTL, cfg.Status.HistoryLimit)
			opts = append(opts, diagrun.WithStatusReporter(statusRepo))
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			logger.Warn(ctx, "init kafka failed, result publishing disabled", zap.Error(err))
		} else {
			closers = append(closers, func() { _ = producer.Close() })
			opts = append(opts, diagrun.WithResultPublisher(repository.NewMQResultPublisher(producer, cfg.Status.FinalTopic)))
		}
	}

	if cfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			logger.Warn(ctx, "init minio failed, archiving disabled", zap.Error(err))
		} else {
			bucketCtx, cancel := context.WithTimeout(ctx, cfg.Status.Timeout)
			if err := objStorage.EnsureBucket(bucketCtx, cfg.Archive.Bucket); err != nil {
				logger.Warn(ctx, "ensure archive bucket failed", zap.String("bucket", cfg.Archive.Bucket), zap.Error(err))
			}
			cancel()
			opts = append(opts, diagrun.WithArchiver(archive.NewUploader(objStorage, cfg.Archive)))
		}
	}

	return diagrun.NewRunner(eng, cfg.Runner, opts...), cleanup
}
