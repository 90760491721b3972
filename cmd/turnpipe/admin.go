package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/arman-rafiee/turnpipe/config"
	"github.com/arman-rafiee/turnpipe/internal/search"
	"github.com/arman-rafiee/turnpipe/internal/store"
)

func migrateCMD() *cobra.Command {
	var source, direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if !cfg.Storage.Postgres.Enabled {
				return fmt.Errorf("storage.postgres is not enabled")
			}
			return store.Migrate(source, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&source, "source", "file://migrations", "migration source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}

func indexCMD() *cobra.Command {
	var query string
	var limit int
	index := &cobra.Command{
		Use:   "index",
		Short: "Rebuild the audit index from the archive and optionally query it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			fs, err := store.NewFSArchive(cfg.Storage.Archive.Root, nil)
			if err != nil {
				return err
			}
			idx, err := search.NewMemOnly(nil)
			if err != nil {
				return err
			}
			if err := idx.Reindex(fs); err != nil {
				return err
			}
			count, err := idx.Count()
			if err != nil {
				return err
			}
			log.Printf("indexed %d sections", count)
			if query == "" {
				return nil
			}
			hits, err := idx.Search(query, limit)
			if err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Printf("%s/turn-%d section %d (%s): %s\n", h.UserID, h.TurnID, h.Section, h.Title, h.Snippet)
			}
			return nil
		},
	}
	index.Flags().StringVar(&query, "query", "", "query to run after indexing")
	index.Flags().IntVar(&limit, "limit", 10, "max hits to print")
	return index
}

func pruneCMD() *cobra.Command {
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Run one retention sweep over turns and claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if !cfg.Storage.Postgres.Enabled {
				return fmt.Errorf("storage.postgres is not enabled")
			}
			ctx := cmd.Context()
			db, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			defer db.Close()
			fs, err := store.NewFSArchive(cfg.Storage.Archive.Root, nil)
			if err != nil {
				return err
			}
			janitor, err := store.NewJanitor(db, fs, cfg.Storage.Retention.CronSpec, cfg.Storage.Retention.MaxAge, nil)
			if err != nil {
				return err
			}
			return janitor.Sweep(ctx)
		},
	}
	return prune
}
