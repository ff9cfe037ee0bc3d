// Package cli implements the agent-tape CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-tape/internal/config"
	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/embedding"
	"github.com/rcliao/agent-tape/internal/logging"
	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/search"
	"github.com/rcliao/agent-tape/internal/store"
	"github.com/rcliao/agent-tape/internal/tape"
)

var (
	configPath string
	dbPath     string
	tapeName   string
	backend    string
	logLevel   string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-tape",
	Short: "Append-only tape memory for AI agents",
	Long: "An append-only tape of agent events with anchors, search and bounded context construction.\n" +
		"Entries are never edited or deleted; contexts are built on demand.",
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: $AGENT_TAPE_CONFIG or ~/.agent-tape/config.yaml)")
	pf.StringVarP(&dbPath, "db", "d", "", "Database path (default: $AGENT_TAPE_DB or ~/.agent-tape/tape.db)")
	pf.StringVarP(&tapeName, "tape", "t", "", "Tape name (default: $AGENT_TAPE_TAPE or \"default\")")
	pf.StringVar(&backend, "backend", "", "Entry store: sqlite, memory or redis")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func loadConfig() config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	if tapeName != "" {
		cfg.Tape = tapeName
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		exitErr("config", err)
	}
	return cfg
}

// session is everything a command needs: config, logger, store and tape.
type session struct {
	cfg    config.Config
	log    *logging.Logger
	store  store.Store
	tape   *tape.Tape
	closed bool
}

func openSession(cmd *cobra.Command, opts ...tape.Option) *session {
	cfg := loadConfig()
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		exitErr("logging", err)
	}

	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		log.Close()
		exitErr("open store", err)
	}
	log.Debug("store opened", "backend", cfg.Backend, "tape", cfg.Tape)

	searcher, err := buildSearcher(cfg, st, log.Logger)
	if err != nil {
		st.Close()
		log.Close()
		exitErr("search", err)
	}

	base := []tape.Option{
		tape.WithLogger(log.Logger),
		tape.WithSearcher(searcher),
		tape.WithContextConfig(cfg.Explore()),
		tape.WithOverflowLimit(cfg.Context.OverflowLimit),
		tape.WithBudget(cfg.Budget()),
	}
	t, err := tape.Open(cmd.Context(), st, cfg.Tape, append(base, opts...)...)
	if err != nil {
		st.Close()
		log.Close()
		exitErr("open tape", err)
	}
	return &session{cfg: cfg, log: log, store: st, tape: t}
}

func (s *session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.tape.Close()
	s.store.Close()
	s.log.Close()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.OpenRedisStore(ctx, cfg.RedisURL)
	default:
		return store.NewSQLiteStore(cfg.DB)
	}
}

// buildSearcher composes the configured indexes. SQLite tapes use the FTS
// table for keyword search; other backends keep an in-memory index.
func buildSearcher(cfg config.Config, st store.Store, logger *slog.Logger) (search.Searcher, error) {
	var members []search.Searcher
	if cfg.Search.Keyword {
		if sq, ok := st.(*store.SQLiteStore); ok {
			members = append(members, search.NewFTS(sq, cfg.Tape))
		} else {
			members = append(members, search.NewKeyword(st, cfg.Tape))
		}
	}
	if cfg.Search.Semantic {
		emb, err := embedding.New(cfg.Embedder())
		if err != nil {
			return nil, err
		}
		members = append(members, search.NewSemantic(st, cfg.Tape, emb, logger))
	}
	switch len(members) {
	case 0:
		return nil, nil
	case 1:
		return members[0], nil
	default:
		return search.NewHybrid(members...), nil
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func printEntries(entries []model.Entry) {
	if formatFlag != "text" {
		printJSON(entries)
		return
	}
	for _, e := range entries {
		fmt.Printf("%d\t%s\t%s\n", e.ID, e.Kind, e.Text())
	}
}

func parseMeta(raw string, task string) map[string]string {
	var meta map[string]string
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			exitErr("parse meta", err)
		}
	}
	if task != "" {
		if meta == nil {
			meta = map[string]string{}
		}
		meta[ctxbuild.TaskMetaKey] = task
	}
	return meta
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
