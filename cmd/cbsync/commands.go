package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tmc/cbsync"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cbsync",
		Short:         "Sync comic archive metadata from Kapowarr and ComicVine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	root.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newProcessCmd(),
		newInjectCmd(),
		newStatusCmd(),
		newSearchCmd(),
		newCacheCmd(),
		newMigrateCmd(),
	)
	return root
}

type app struct {
	settings *cbsync.Settings
	log      zerolog.Logger
	store    *cbsync.Store
}

func newApp() (*app, error) {
	settings, err := cbsync.LoadSettings(configFile)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	log := newLogger(settings)
	store, err := cbsync.OpenStore(settings.DatabasePath, log,
		cbsync.WithPathTranslator(settings.Translator()))
	if err != nil {
		return nil, err
	}
	return &app{settings: settings, log: log, store: store}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close store")
	}
}

func newLogger(s *cbsync.Settings) zerolog.Logger {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if s.LogFormat == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return log.Level(level).With().Timestamp().Logger()
}

func (a *app) syncer() (*cbsync.Syncer, error) {
	if !a.settings.CatalogConfigured() {
		return nil, fmt.Errorf("kapowarr_url and kapowarr_api_key must be set")
	}
	catalog := cbsync.NewCatalogClient(a.settings.KapowarrURL, a.settings.KapowarrAPIKey, a.log)
	detector := cbsync.NewStalenessDetector(a.store, a.settings.CacheMaxAge, a.log)
	return cbsync.NewSyncer(catalog, a.store, detector, a.settings.Translator(), a.log,
		cbsync.WithProbeDelay(a.settings.ProbeDelay),
		cbsync.WithFallbackLimit(a.settings.FallbackScanLimit)), nil
}

func (a *app) processor() (*cbsync.Processor, *cbsync.Rewriter, error) {
	if !a.settings.MetadataConfigured() {
		return nil, nil, fmt.Errorf("comicvine_api_key must be set")
	}
	fetcher := cbsync.NewMetadataClient(a.settings.ComicVineURL, a.settings.ComicVineAPIKey, a.log)
	rewriter := cbsync.NewRewriter(a.settings.ScratchDir, a.log)
	proc := cbsync.NewProcessor(a.store, fetcher, rewriter, a.settings.Translator(), a.log,
		cbsync.WithFetchDelay(a.settings.FetchDelay))
	return proc, rewriter, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			syncer, err := a.syncer()
			if err != nil {
				return err
			}
			proc, rewriter, err := a.processor()
			if err != nil {
				return err
			}

			cfg := cbsync.SchedulerConfig{
				RefreshInterval:  a.settings.RefreshInterval,
				ProcessInterval:  a.settings.ProcessInterval,
				CleanupInterval:  a.settings.CleanupInterval,
				MaxConcurrent:    a.settings.MaxConcurrent,
				ScratchRetention: a.settings.ScratchRetention,
				AutoProcess:      a.settings.AutoProcess,
			}
			sched := cbsync.NewScheduler(cfg, syncer, proc, rewriter, a.store, a.log)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh the volume catalog from Kapowarr",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			syncer, err := a.syncer()
			if err != nil {
				return err
			}

			var res *cbsync.RefreshResult
			if force {
				res, err = syncer.Refresh(cmd.Context())
			} else {
				res, err = syncer.RefreshIfStale(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d volumes cached (%d probed, %d misses)\n",
				res.Decision, res.Volumes, res.Probed, res.Misses)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "refresh even if the cache is fresh")
	return cmd
}

func newProcessCmd() *cobra.Command {
	var force, newOnly bool
	cmd := &cobra.Command{
		Use:   "process <volume-id>",
		Short: "Fetch metadata and inject ComicInfo.xml for a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			volumeID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid volume id %q", args[0])
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			proc, _, err := a.processor()
			if err != nil {
				return err
			}

			var res *cbsync.VolumeResult
			if newOnly {
				res, err = proc.ProcessNewIssues(cmd.Context(), volumeID)
			} else {
				res, err = proc.ProcessVolume(cmd.Context(), volumeID, force)
			}
			if err != nil {
				return err
			}
			fmt.Printf("volume %d: %d issues processed, %d failed (%s)\n",
				res.VolumeID, res.Processed(), res.Failed(), res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-process issues already marked done")
	cmd.Flags().BoolVar(&newOnly, "new", false, "only process issues with no status record")
	return cmd
}

func newInjectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inject <archive> <comicinfo.xml>",
		Short: "Inject a ComicInfo.xml file into one archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read metadata file: %w", err)
			}

			rewriter := cbsync.NewRewriter(a.settings.ScratchDir, a.log)
			if err := rewriter.Inject(cmd.Context(), args[0], 0, doc); err != nil {
				return err
			}
			fmt.Printf("injected %s into %s\n", cbsync.MetadataFilename, args[0])
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [volume-id]",
		Short: "Show volume and issue processing status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if len(args) == 0 {
				for _, v := range a.store.Volumes(ctx, 0) {
					fmt.Printf("%6d  %-50s  issues=%d/%d processed=%v injected=%v\n",
						v.ID, v.Folder, v.IssuesWithFiles, v.TotalIssues,
						v.MetadataProcessed, v.MetadataInjected)
				}
				return nil
			}

			volumeID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid volume id %q", args[0])
			}
			v, ok := a.store.Volume(ctx, volumeID)
			if !ok {
				return fmt.Errorf("volume %d not cached", volumeID)
			}
			fmt.Printf("volume %d: %s\n", v.ID, v.Folder)
			fmt.Printf("  issues: %d total, %d with files\n", v.TotalIssues, v.IssuesWithFiles)
			fmt.Printf("  processed=%v xml=%v injected=%v\n",
				v.MetadataProcessed, v.XMLGenerated, v.MetadataInjected)
			for _, st := range a.store.IssueStatuses(ctx, volumeID) {
				fmt.Printf("  #%-8s cv=%d processed=%v injected=%v\n",
					st.IssueNumber, st.SourceID, st.MetadataProcessed, st.MetadataInjected)
			}
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search cached volumes by folder or issue text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			results := a.store.SearchVolumes(cmd.Context(), args[0], limit)
			if len(results) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, v := range results {
				fmt.Printf("%6d  %-50s  issues=%d/%d\n",
					v.ID, v.Folder, v.IssuesWithFiles, v.TotalIssues)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	return cmd
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local catalog cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Show cache statistics",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp()
				if err != nil {
					return err
				}
				defer a.close()

				info := a.store.CacheInfoFor(cmd.Context())
				fmt.Printf("database:           %s\n", info.DatabasePath)
				fmt.Printf("volumes:            %d\n", info.VolumesCount)
				fmt.Printf("metadata processed: %d\n", info.MetadataProcessed)
				fmt.Printf("xml generated:      %d\n", info.XMLGenerated)
				fmt.Printf("metadata injected:  %d\n", info.MetadataInjected)
				if info.HasFreshness {
					fmt.Printf("cache age:          %s\n", info.CacheAge.Round(time.Second))
				}
				if info.HasUpstreamTotal {
					fmt.Printf("upstream total:     %d\n", info.LastUpstreamTotal)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop all cached catalog data",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp()
				if err != nil {
					return err
				}
				defer a.close()

				if !a.store.ClearCache(cmd.Context()) {
					return fmt.Errorf("clear cache failed")
				}
				fmt.Println("cache cleared")
				return nil
			},
		},
	)
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or rebuild the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if rebuild {
				if err := a.store.Rebuild(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("database rebuilt")
				return nil
			}
			// OpenStore already ran the additive migration.
			fmt.Printf("database ready at %s\n", a.store.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "drop and recreate all tables, replaying rows")
	return cmd
}
