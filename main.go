package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/bbfox0703/AchievoLab-sub003/cfg"
	"github.com/bbfox0703/AchievoLab-sub003/log"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/cleaner"
	bboltindex "github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index/bbolt"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/catalog"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/icons"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/ledger"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/oracle"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/ratelimit"
)

const version = "0.3.0"

var mainLog = log.GetLogger("main")

func main() {
	app := cli.NewApp()
	app.Name = "achievolab-core"
	app.Usage = "catalog reconciliation and artwork cache for AchievoLab"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "~/.achievolab/config.yaml",
			Usage: "configuration file",
		},
		cli.StringFlag{
			Name:  "oracle",
			Value: "~/.achievolab/oracle.yaml",
			Usage: "ownership snapshot document",
		},
	}
	app.Commands = []cli.Command{
		reconcileCommand(),
		prefetchCommand(),
		iconCommand(),
		gcCommand(),
		statsCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		if errors.Is(err, cfg.ErrConfigMissing) {
			fmt.Fprintln(os.Stderr, "A configuration template was written; edit it and run again.")
			os.Exit(2)
		}
		mainLog.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// runtime bundles the wired subsystem handles for one command run.
type runtime struct {
	cfg     *cfg.Config
	oracle  *oracle.FileOracle
	ledger  *ledger.Ledger
	budget  *ratelimit.Budget
	primLim *ratelimit.CallLimiter
	store   *catalog.Store
	ctx     context.Context
	cancel  context.CancelFunc

	dataDir  string
	cacheDir string
}

func newRuntime(c *cli.Context) (*runtime, error) {
	conf, err := cfg.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}

	log.SetLoggersConfig(&log.LogConfig{
		Level:  conf.Logging.Level,
		Format: conf.Logging.Format,
	})
	if err := log.InitLogFile(conf.Logging.File); err != nil {
		return nil, err
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".achievolab")

	cacheDir, err := conf.EffectiveCacheDir()
	if err != nil {
		return nil, err
	}

	ora, err := oracle.LoadFile(c.GlobalString("oracle"))
	if err != nil {
		return nil, err
	}

	led, err := ledger.New(ledger.Config{
		Path:             filepath.Join(dataDir, "failures.xml"),
		LegacyPath:       filepath.Join(dataDir, "failed_downloads.xml"),
		BaseWindow:       conf.BaseWindow(),
		MaxWindow:        conf.MaxWindow(),
		RetentionEnglish: time.Duration(conf.Backoff.RetentionEnglishDays) * 24 * time.Hour,
		RetentionOther:   time.Duration(conf.Backoff.RetentionOtherDays) * 24 * time.Hour,
		ReadLockTimeout:  conf.ReadLockTimeout(),
		WriteLockTimeout: conf.WriteLockTimeout(),
	})
	if err != nil {
		return nil, err
	}

	budget, err := ratelimit.NewBudget(ratelimit.BudgetConfig{
		MaxConcurrentPerOrigin: conf.Origins.MaxConcurrentPerOrigin,
		BlockCooldown:          time.Duration(conf.Origins.BlockCooldownMin) * time.Minute,
	})
	if err != nil {
		return nil, err
	}

	primLim, err := ratelimit.NewCallLimiter(ratelimit.CallConfig{
		MaxCallsPerMinute: conf.PrimaryAPI.MaxCallsPerMinute,
		JitterMin:         time.Duration(conf.PrimaryAPI.JitterMinSec * float64(time.Second)),
		JitterMax:         time.Duration(conf.PrimaryAPI.JitterMaxSec * float64(time.Second)),
	})
	if err != nil {
		return nil, err
	}

	store, err := catalog.New(catalog.Config{
		Path:              filepath.Join(dataDir, "catalog.xml"),
		SupplementaryPath: filepath.Join(dataDir, "supplementary.xml"),
		ReadLockTimeout:   conf.ReadLockTimeout(),
		WriteLockTimeout:  conf.WriteLockTimeout(),
	})
	if err != nil {
		primLim.Close()
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &runtime{
		cfg:      conf,
		oracle:   ora,
		ledger:   led,
		budget:   budget,
		primLim:  primLim,
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
		dataDir:  dataDir,
		cacheDir: cacheDir,
	}, nil
}

func (r *runtime) close() {
	r.primLim.Close()
	r.cancel()
}

func (r *runtime) newManager() (*artwork.Manager, *bboltindex.Index, error) {
	coverDir := filepath.Join(r.cacheDir, "covers")

	idx, err := bboltindex.Open(filepath.Join(r.cacheDir, "covers.db"), bboltindex.Options{})
	if err != nil {
		return nil, nil, err
	}

	mgr, err := artwork.NewManager(
		artwork.Config{
			Dir:          coverDir,
			MediaBaseURL: r.cfg.Remote.MediaBaseURL,
		},
		r.oracle, r.ledger, r.budget, idx,
		artwork.WithFetcher(artwork.NewHTTPFetcher(
			artwork.WithFetchTimeout(time.Duration(r.cfg.Origins.FetchTimeoutSec)*time.Second),
		)),
	)
	if err != nil {
		idx.Close()
		return nil, nil, err
	}
	return mgr, idx, nil
}

func reconcileCommand() cli.Command {
	return cli.Command{
		Name:  "reconcile",
		Usage: "merge the catalog sources into the canonical owned-item list",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			query, err := catalog.NewHTTPQueryClient(
				rt.cfg.Remote.QueryEndpoint,
				catalog.WithQueryWaiter(rt.primLim),
			)
			if err != nil {
				return err
			}

			set, err := rt.store.Reconcile(rt.ctx, rt.oracle, query)
			if err != nil {
				return err
			}
			fmt.Printf("catalog holds %d owned items\n", len(set))
			return nil
		},
	}
}

func prefetchCommand() cli.Command {
	return cli.Command{
		Name:      "prefetch",
		Usage:     "download cover artwork for catalog items",
		ArgsUsage: "[itemId ...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "locale",
				Value: string(item.DefaultLocale),
				Usage: "artwork locale",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.ledger.MigrateLegacy(rt.ctx); err != nil {
				mainLog.Warn().Err(err).Msg("legacy ledger migration failed")
			}

			ids, err := prefetchTargets(rt, c.Args())
			if err != nil {
				return err
			}

			mgr, idx, err := rt.newManager()
			if err != nil {
				return err
			}
			defer idx.Close()

			locale := item.NormalizeLocale(c.String("locale"))
			var fetched, failed int
			for _, id := range ids {
				if rt.ctx.Err() != nil {
					return rt.ctx.Err()
				}
				if _, err := mgr.Get(rt.ctx, id, locale); err != nil {
					failed++
					mainLog.Warn().Uint64("item", uint64(id)).Err(err).Msg("prefetch failed")
					continue
				}
				fetched++
			}
			fmt.Printf("prefetched %d covers, %d failed\n", fetched, failed)
			return nil
		},
	}
}

func prefetchTargets(rt *runtime, args cli.Args) ([]item.ID, error) {
	if len(args) > 0 {
		ids := make([]item.ID, 0, len(args))
		for _, arg := range args {
			id, err := item.ParseID(arg)
			if err != nil {
				return nil, fmt.Errorf("bad item id %q: %w", arg, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	set, err := rt.store.Items(rt.ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]item.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

func iconCommand() cli.Command {
	return cli.Command{
		Name:      "icon",
		Usage:     "fetch or validate one item's icon",
		ArgsUsage: "<itemId> <sourceUrl>",
		Action: func(c *cli.Context) error {
			if len(c.Args()) != 2 {
				return errors.New("icon takes exactly two arguments: <itemId> <sourceUrl>")
			}
			id, err := item.ParseID(c.Args()[0])
			if err != nil {
				return fmt.Errorf("bad item id %q: %w", c.Args()[0], err)
			}

			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			cache, err := icons.New(icons.Config{
				Dir:          filepath.Join(rt.cacheDir, "icons"),
				FetchTimeout: time.Duration(rt.cfg.Origins.FetchTimeoutSec) * time.Second,
			})
			if err != nil {
				return err
			}

			path, ok := cache.Get(rt.ctx, id, c.Args()[1])
			if !ok {
				fmt.Println("no icon available")
				return nil
			}
			fmt.Println(path)
			return nil
		},
	}
}

func gcCommand() cli.Command {
	return cli.Command{
		Name:  "gc",
		Usage: "purge stale ledger records and evict covers past capacity",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			purged, err := rt.ledger.GC(rt.ctx)
			if err != nil {
				return err
			}

			mgr, idx, err := rt.newManager()
			if err != nil {
				return err
			}
			defer idx.Close()

			cl, err := cleaner.New(cleaner.Config{
				CacheDir:       filepath.Join(rt.cacheDir, "covers"),
				MaxCacheBytes:  int64(rt.cfg.Cache.MaxSizeMB) << 20,
				MinFreePercent: rt.cfg.Cache.MinFreePercent,
				CleanInterval:  time.Duration(rt.cfg.Cache.CleanIntervalMin) * time.Minute,
			}, idx, cleaner.WithSkip(mgr.Fetching))
			if err != nil {
				return err
			}

			report, err := cl.RunOnce(rt.ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
			if err != nil && !errors.Is(err, cleaner.ErrCapacityNotReduced) {
				return err
			}
			fmt.Printf("purged %d ledger records, evicted %d covers (%d bytes)\n",
				purged, len(report.Evicted), report.BytesFreed)
			return nil
		},
	}
}

func statsCommand() cli.Command {
	return cli.Command{
		Name:  "stats",
		Usage: "show per-origin budget state",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.close()

			stats := rt.budget.Stats()
			if len(stats) == 0 {
				fmt.Println("no origins contacted yet")
				return nil
			}
			for _, s := range stats {
				fmt.Printf("%-40s active=%d blocked=%t success=%.0f%%\n",
					s.Origin, s.Active, s.Blocked, s.SuccessRate*100)
			}
			return nil
		},
	}
}
