package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outcomes-cli/internal/learning"
	"github.com/sells-group/outcomes-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "outcomes.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store and replays persisted state into a
// fresh pipeline. Callers should defer st.Close().
func initPipeline(ctx context.Context) (*learning.Pipeline, store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	p, err := learning.NewPipeline(ctx, st, learning.Config{
		InitialAlpha: cfg.Learning.InitialAlpha,
		InitialBeta:  cfg.Learning.InitialBeta,
		Buckets:      cfg.Learning.Buckets,
		LearningRate: cfg.Learning.LearningRate,
	})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return p, st, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
