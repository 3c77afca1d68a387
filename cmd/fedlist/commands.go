package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"fedlist/internal/collector"
	"fedlist/internal/config"
	"fedlist/internal/directory"
	"fedlist/internal/discovery"
	"fedlist/internal/filter"
	"fedlist/internal/logger"
	"fedlist/internal/model"
	"fedlist/internal/notify"
	"fedlist/internal/prober"
	"fedlist/internal/scheduler"
	"fedlist/internal/storage"
)

// stdoutPath selects standard output instead of a file.
const stdoutPath = "-"

func discoverCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List unknown peers of verified hosts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app) error {
			cands, err := a.discover(ctx, out)
			if err != nil {
				return err
			}
			if out == stdoutPath {
				return nil
			}
			if a.cfg.JSON {
				return printJSON(cands)
			}
			printCandidateSummary(cands)
			return nil
		}),
	}
	cmd.Flags().StringVar(&out, "out", "", "output file, - for stdout (default <data-dir>/"+candidatesFile+")")
	return cmd
}

func filterCmd() *cobra.Command {
	var in, blocklist, out, rejected string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Reject spam-looking peer candidates",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app) error {
			res, err := a.filter(ctx, filterOptions{in: in, blocklist: blocklist, out: out, rejected: rejected, dryRun: dryRun})
			if err != nil {
				return err
			}
			if a.cfg.JSON {
				return printJSON(res)
			}
			if dryRun {
				printFilterTable(res)
			}
			printFilterSummary(res)
			return nil
		}),
	}
	cmd.Flags().StringVar(&in, "in", "", "candidate file (default <data-dir>/"+candidatesFile+")")
	cmd.Flags().StringVar(&blocklist, "blocklist", "", "blocklist file (.txt, .json, .yaml)")
	cmd.Flags().StringVar(&out, "out", "", "accepted host names (default <data-dir>/"+filteredFile+")")
	cmd.Flags().StringVar(&rejected, "rejected", "", "rejection log (default <data-dir>/"+rejectedFile+")")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the partition without writing files")
	return cmd
}

func collectCmd() *cobra.Command {
	var input string
	var force bool
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Probe hosts and update the ok/bad statistics",
		Long: `Probe every host of the worklist that has no record yet and store the result.

Without --input the hosts of the curated list (<data-dir>/instances.json) are used.
--input accepts a list of host strings or objects with a host field, such as the
output of "fedlist filter".`,
		Args: cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app) error {
			run, err := a.collect(ctx, input, force)
			if a.cfg.JSON {
				if perr := printJSON(run); perr != nil {
					return perr
				}
			} else if run.ID != "" {
				printRun(run)
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&input, "input", "", "worklist file (default: hosts of the curated list)")
	cmd.Flags().BoolVar(&force, "force", false, "re-probe hosts that already have a record")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the merged directory as JSON",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app) error {
			var shared storage.Storage
			if a.cfg.Store == config.StoreSQLite {
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				shared = store
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           directory.NewHandler(a.directoryLoader(shared), a.log),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()

			a.log.Info("serving directory", logger.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show HOST",
		Short: "Show the stored record of a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rec, part, err := a.lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if a.cfg.JSON {
					return printJSON(struct {
						Partition model.Partition   `json:"partition"`
						Record    model.StatsRecord `json:"record"`
					}{part, rec})
				}
				printRecord(rec, part)
				return nil
			})(cmd, args)
		},
	}
}

func aliasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alias FROM TO",
		Short: "Record that FROM is served by the canonical host TO",
		Long: `Record a host alias. Both hosts must be in the same zone, such as
example.org and social.example.org. Aliased hosts count as known, so
discovery no longer suggests them.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return a.alias(ctx, args[0], args[1])
			})(cmd, args)
		},
	}
}

// runLister is implemented by both store backends.
type runLister interface {
	ListRuns(ctx context.Context) ([]model.Run, error)
}

func runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent collection runs",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rl, ok := store.(runLister)
			if !ok {
				return fmt.Errorf("store %q does not keep a run log", a.cfg.Store)
			}
			runs, err := rl.ListRuns(ctx)
			if err != nil {
				return err
			}
			if limit > 0 && len(runs) > limit {
				runs = runs[:limit]
			}
			if a.cfg.JSON {
				return printJSON(runs)
			}
			printRuns(runs)
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show, 0 for all")
	return cmd
}

func pipelineCmd() *cobra.Command {
	var blocklist string
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run discover, filter and collect in sequence",
		Long: `Run discover, filter and collect with the default data files.
With --every the pipeline repeats on that interval until interrupted.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app) error {
			steps := []scheduler.Step{
				{Name: "discover", Run: func(ctx context.Context) error {
					_, err := a.discover(ctx, "")
					return err
				}},
				{Name: "filter", Run: func(ctx context.Context) error {
					_, err := a.filter(ctx, filterOptions{blocklist: blocklist})
					return err
				}},
				{Name: "collect", Run: func(ctx context.Context) error {
					_, err := a.collect(ctx, a.cfg.Path(filteredFile), false)
					return err
				}},
			}
			err := scheduler.New(steps, every, a.log).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&blocklist, "blocklist", "", "blocklist file (.txt, .json, .yaml)")
	cmd.Flags().DurationVar(&every, "every", 0, "repeat interval, 0 runs once")
	return cmd
}

func (a *app) discover(ctx context.Context, out string) ([]model.PeerCandidate, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	snap, err := storage.LoadSnapshot(ctx, store)
	if err != nil {
		return nil, err
	}

	d := discovery.New(a.fetcher(), a.log)
	if len(a.cfg.Feeds) > 0 {
		d.SetFeeds(discovery.NewFeedSource(a.cfg.Feeds...))
	}
	cands, err := d.Discover(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	switch out {
	case stdoutPath:
		return cands, printJSON(cands)
	case "":
		out = a.cfg.Path(candidatesFile)
	}
	if err := storage.WriteJSON(out, cands); err != nil {
		return nil, err
	}
	a.log.Info("candidates written", logger.String("path", out), logger.Int("count", len(cands)))
	return cands, nil
}

type filterOptions struct {
	in        string
	blocklist string
	out       string
	rejected  string
	dryRun    bool
}

func (a *app) filter(ctx context.Context, opts filterOptions) (filter.Result, error) {
	if opts.in == "" {
		opts.in = a.cfg.Path(candidatesFile)
	}
	if opts.out == "" {
		opts.out = a.cfg.Path(filteredFile)
	}
	if opts.rejected == "" {
		opts.rejected = a.cfg.Path(rejectedFile)
	}

	cands, err := storage.LoadCandidates(opts.in)
	if err != nil {
		return filter.Result{}, err
	}

	var bl *filter.Blocklist
	if opts.blocklist != "" {
		if bl, err = filter.LoadBlocklist(opts.blocklist); err != nil {
			return filter.Result{}, err
		}
	}

	store, err := a.openStore()
	if err != nil {
		return filter.Result{}, err
	}
	defer func() { _ = store.Close() }()
	snap, err := storage.LoadSnapshot(ctx, store)
	if err != nil {
		return filter.Result{}, err
	}

	res := filter.New(bl, snap).Partition(cands)
	for _, r := range res.Rejected {
		a.log.Debug("candidate rejected", logger.Host(r.Host), logger.String("reason", string(r.Reason)))
	}
	a.log.Info("candidates filtered",
		logger.Int("accepted", len(res.Accepted)),
		logger.Int("rejected", len(res.Rejected)),
		logger.Bool("dry_run", opts.dryRun),
	)
	if opts.dryRun {
		return res, nil
	}

	if err := storage.WriteJSON(opts.out, res.AcceptedHosts()); err != nil {
		return res, err
	}
	if err := storage.AppendRejections(opts.rejected, res.Rejected); err != nil {
		return res, err
	}
	return res, nil
}

func (a *app) collect(ctx context.Context, input string, force bool) (model.Run, error) {
	targets, err := a.worklist(input)
	if err != nil {
		return model.Run{}, err
	}

	store, err := a.openStore()
	if err != nil {
		return model.Run{}, err
	}
	defer func() { _ = store.Close() }()

	c := collector.New(store, prober.New(a.fetcher()), a.log)
	if a.cfg.NotifyEnabled() {
		n, err := notify.NewTelegram(a.cfg.TelegramToken, a.cfg.TelegramChatID, a.log)
		if err != nil {
			a.log.Warn("run reports disabled", logger.Error(err))
		} else {
			c.SetNotifier(n)
		}
	}
	return c.Run(ctx, targets, collector.Options{Force: force})
}

func (a *app) worklist(input string) ([]model.Target, error) {
	if input != "" {
		return storage.LoadWorklist(input, a.log)
	}
	instances, err := storage.LoadInstances(a.cfg.Path(instancesFile))
	if err != nil {
		return nil, err
	}
	return storage.InstanceTargets(instances), nil
}

func (a *app) lookup(ctx context.Context, host string) (model.StatsRecord, model.Partition, error) {
	store, err := a.openStore()
	if err != nil {
		return model.StatsRecord{}, "", err
	}
	defer func() { _ = store.Close() }()
	return store.Get(ctx, host)
}

func (a *app) alias(ctx context.Context, from, to string) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.PutAlias(ctx, from, to); err != nil {
		return err
	}
	a.log.Info("alias recorded", logger.String("from", from), logger.String("to", to))
	return nil
}

// directoryLoader reads the curated list and the ok partition on every call.
// Without a shared store the file store is reopened so rows written by a
// concurrent collect show up. A missing curated list yields only auto rows.
func (a *app) directoryLoader(shared storage.Storage) directory.Loader {
	return func(ctx context.Context) ([]directory.Row, error) {
		instances, err := storage.LoadInstances(a.cfg.Path(instancesFile))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		store := shared
		if store == nil {
			if store, err = a.openStore(); err != nil {
				return nil, err
			}
			defer func() { _ = store.Close() }()
		}
		stats, err := store.List(ctx, model.PartitionOK)
		if err != nil {
			return nil, err
		}
		return directory.Merge(instances, stats), nil
	}
}
