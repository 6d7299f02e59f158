package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordum/ckptpub/core/infra/buildinfo"
	"github.com/cordum/ckptpub/core/infra/bus"
	"github.com/cordum/ckptpub/core/infra/config"
	"github.com/cordum/ckptpub/core/infra/ledger"
	"github.com/cordum/ckptpub/core/publish"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configPath        string
	name              string
	onlyAtEnd         bool
	deleteAfterUpload bool
	dedupe            bool
	localDir          string
}

func NewCLI() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ckptpub [command]",
		Short:         "Publish training checkpoints to a GitHub repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Credentials come from the config file or CKPTPUB_GITHUB_TOKEN / GITHUB_TOKEN,
CKPTPUB_GITHUB_OWNER and CKPTPUB_GITHUB_REPOSITORY.`,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", envOr("CKPTPUB_CONFIG", ""), "config file (yaml)")
	flags.StringVar(&opts.name, "name", "", "job name used in checkpoint filenames")
	flags.BoolVar(&opts.onlyAtEnd, "only-at-end", false, "publish only when training ends")
	flags.BoolVar(&opts.deleteAfterUpload, "delete-after-upload", false, "remove the local checkpoint after a successful commit")
	flags.BoolVar(&opts.dedupe, "dedupe-final-epoch", false, "skip the train-end publish when the final epoch was published")
	flags.StringVar(&opts.localDir, "local-dir", "", "directory checkpoints are written to")

	root.AddCommand(newPushCmd(opts))
	root.AddCommand(newSimulateCmd(opts))
	root.AddCommand(newHistoryCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newValidateCmd(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
		},
	})
	return root
}

func main() {
	if err := NewCLI().Execute(); err != nil {
		fail(err.Error())
	}
}

func newPushCmd(opts *options) *cobra.Command {
	var event string
	var epoch, epochs int
	cmd := &cobra.Command{
		Use:   "push <checkpoint_file>",
		Short: "Commit an existing checkpoint file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ev publish.Event
			switch event {
			case publish.KindEpochEnd.String():
				ev = publish.EpochEnd(epoch, epochs)
			case publish.KindTrainEnd.String():
				ev = publish.TrainEnd()
			default:
				return fmt.Errorf("unknown event %q", event)
			}

			cfg, err := opts.load(cmd, true)
			if err != nil {
				return err
			}
			w := wire(cfg.RedisURL, cfg.NatsURL, "")
			defer w.Close()

			p, err := publish.New(cfg.Credentials(), cfg.PublishConfig(), w.opts...)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			receipt, err := p.Publish(ctx, ev, copyFrom(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), receipt)
		},
	}
	cmd.Flags().StringVar(&event, "event", publish.KindTrainEnd.String(), "lifecycle event: epoch_end or train_end")
	cmd.Flags().IntVar(&epoch, "epoch", 0, "zero-based epoch index for epoch_end")
	cmd.Flags().IntVar(&epochs, "epochs", 1, "total epochs for epoch_end")
	return cmd
}

func newSimulateCmd(opts *options) *cobra.Command {
	var epochs, size int
	var interval time.Duration
	var async bool
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a synthetic training loop through the publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			if epochs <= 0 {
				return fmt.Errorf("--epochs must be positive")
			}
			cfg, err := opts.load(cmd, true)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("async") {
				cfg.Publish.Async = async
			}
			buildinfo.Log("ckptpub simulate")
			w := wire(cfg.RedisURL, cfg.NatsURL, cfg.MetricsAddr)
			defer w.Close()

			p, err := publish.New(cfg.Credentials(), cfg.PublishConfig(), w.opts...)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			receipts, runErr := drive(ctx, p, cfg.Publish.Async, cfg.Publish.QueueSize, epochs, size, interval)
			if err := printJSON(cmd.OutOrStdout(), receipts); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&epochs, "epochs", 3, "number of epochs to drive")
	cmd.Flags().IntVar(&size, "size", 1024, "synthetic checkpoint size in bytes")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between epochs")
	cmd.Flags().BoolVar(&async, "async", false, "upload on a background worker")
	return cmd
}

// drive runs a synthetic training loop against p.
func drive(ctx context.Context, p *publish.Pipeline, async bool, queueSize, epochs, size int, interval time.Duration) ([]publish.Receipt, error) {
	if async {
		a := publish.NewAsync(ctx, p, queueSize)
		for i := 0; i < epochs; i++ {
			if err := a.OnEpochEnd(ctx, i, epochs, synthetic(i, size)); err != nil {
				receipts, _ := a.Close(ctx)
				return receipts, err
			}
			pause(ctx, interval)
		}
		if err := a.OnTrainEnd(ctx, synthetic(epochs, size)); err != nil {
			receipts, _ := a.Close(ctx)
			return receipts, err
		}
		return a.Close(ctx)
	}

	var receipts []publish.Receipt
	for i := 0; i < epochs; i++ {
		r, err := p.OnEpochEnd(ctx, i, epochs, synthetic(i, size))
		if err != nil {
			return receipts, err
		}
		if r != nil {
			receipts = append(receipts, *r)
		}
		pause(ctx, interval)
	}
	r, err := p.OnTrainEnd(ctx, synthetic(epochs, size))
	if err != nil {
		return receipts, err
	}
	if r != nil {
		receipts = append(receipts, *r)
	}
	return receipts, nil
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List committed checkpoints recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, false)
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("redis_url (or CKPTPUB_REDIS_URL) required for history")
			}
			store, err := ledger.NewRedisStore(cfg.RedisURL)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(cmd.Context(), cfg.Publish.Name, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), recs)
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max records (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as json")
	return cmd
}

func printRecords(out io.Writer, recs []ledger.Record) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMITTED\tEVENT\tREMOTE PATH\tBYTES\tATTEMPTS")
	for _, rec := range recs {
		event := rec.Event
		if event == publish.KindEpochEnd.String() {
			event = fmt.Sprintf("%s %d/%d", event, rec.EpochIndex+1, rec.TotalEpochs)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			rec.CommittedAt.UTC().Format(time.RFC3339), event, rec.RemotePath, rec.SizeBytes, rec.Attempts)
	}
	_ = tw.Flush()
}

func newWatchCmd(opts *options) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print commit announcements from the event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, false)
			if err != nil {
				return err
			}
			if cfg.NatsURL == "" {
				return fmt.Errorf("nats_url (or CKPTPUB_NATS_URL) required for watch")
			}
			buildinfo.Log("ckptpub watch")
			b, err := bus.NewNatsBus(cfg.NatsURL)
			if err != nil {
				return err
			}
			defer b.Close()
			if !b.IsConnected() {
				return fmt.Errorf("nats not connected: %s", b.Status())
			}

			job := cfg.Publish.Name
			if all {
				job = ""
			}
			out := cmd.OutOrStdout()
			sub, err := b.SubscribeCheckpoints(job, func(c bus.Checkpoint) error {
				return printJSON(out, c)
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			ctx, stop := signalContext()
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "watch every job instead of --name")
	return cmd
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd, true)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// load reads the config file and environment, then copies explicitly set
// flags over the result. Credentials are only checked when required.
func (o *options) load(cmd *cobra.Command, requireCredentials bool) (*config.Config, error) {
	override := func(cfg *config.Config) { o.apply(cmd, cfg) }
	if requireCredentials {
		return config.Load(o.configPath, override)
	}
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return nil, err
	}
	override(cfg)
	return cfg, nil
}

func (o *options) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("name") {
		cfg.Publish.Name = o.name
	}
	if flags.Changed("only-at-end") {
		cfg.Publish.OnlyAtEnd = o.onlyAtEnd
	}
	if flags.Changed("delete-after-upload") {
		cfg.Publish.DeleteAfterUpload = o.deleteAfterUpload
	}
	if flags.Changed("dedupe-final-epoch") {
		cfg.Publish.DedupeFinalEpoch = o.dedupe
	}
	if flags.Changed("local-dir") {
		cfg.Publish.LocalDir = o.localDir
	}
}

func copyFrom(src string) publish.Serializer {
	return func(_ context.Context, dst string) error {
		// #nosec G304 -- CLI explicitly reads local files provided by the operator.
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	}
}

// synthetic writes size deterministic bytes that differ per epoch.
func synthetic(epoch, size int) publish.Serializer {
	return func(_ context.Context, dst string) error {
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = byte((i*31 + epoch*7) % 251)
		}
		return os.WriteFile(dst, buf, 0o644)
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(out io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
