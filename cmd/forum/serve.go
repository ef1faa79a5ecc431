package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"niuforum/api/internal/app"
	"niuforum/api/internal/directory"
	"niuforum/api/internal/markdown"
	"niuforum/api/internal/metrics"
	"niuforum/api/internal/reputation"
	"niuforum/api/internal/search"
	"niuforum/api/internal/store"
)

// stack holds everything the service depends on so commands can release it.
type stack struct {
	db      *sql.DB
	users   *directory.Directory
	meili   *search.Meili
	search  *search.Service
	metrics *metrics.Metrics
	service *app.Service
}

func (s *stack) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
	if s.users != nil {
		_ = s.users.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func codeFormatter() markdown.ChromaFormatter {
	return markdown.ChromaFormatter{
		Style:        cfg.HighlightStyle,
		InlineStyles: cfg.HighlightInlineStyles,
		LineNumbers:  cfg.HighlightLineNumbers,
	}
}

func buildStack(ctx context.Context) (*stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	rules, err := reputation.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	st := &stack{metrics: metrics.New()}
	if st.db, err = openDatabase(ctx); err != nil {
		return nil, err
	}
	st.metrics.RegisterDB(st.db)
	pg := store.NewPostgresStore(st.db)

	var cache *directory.Directory
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := directory.Connect(ctx, cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		log.Info().Msg("caching user lookups in redis")
		cache = directory.New(pg, client, directory.WithObserver(st.metrics))
	} else {
		cache = directory.New(pg, nil)
	}
	st.users = cache

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		st.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	st.search = search.NewService(st.meili, search.NewPgFTS(st.db))

	renderer := markdown.New(codeFormatter(), markdown.NewMentionLinker(cache, markdown.DefaultProfileURL))
	st.service = app.New(cfg, pg, renderer, rules,
		app.WithSearch(st.search),
		app.WithUserCache(cache),
		app.WithMetrics(st.metrics),
	)
	return st, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		httpServer := app.NewHTTPServer(st.service, cfg.CORSOrigin)
		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           httpServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.Addr).Msg("forum API listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown error")
		}
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init <username>",
	Short: "Make a user the forum manager and create the default section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		return st.service.InitForum(log.Logger.WithContext(cmd.Context()), args[0])
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every topic and reply to Meilisearch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := buildStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		if st.meili == nil {
			return errors.New("MEILI_URL is not configured")
		}
		if err := st.search.ReindexAll(cmd.Context()); err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		log.Info().Msg("search index rebuilt")
		return nil
	},
}
