package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tablesync/tablesync-sdk/pkg/localstore"
	"github.com/tablesync/tablesync-sdk/pkg/localstore/sqlite"
	"github.com/tablesync/tablesync-sdk/pkg/logging"
	"github.com/tablesync/tablesync-sdk/pkg/query"
	"github.com/tablesync/tablesync-sdk/pkg/remote"
	"github.com/tablesync/tablesync-sdk/pkg/sync"
)

// runtime bundles the configured engine for one command invocation.
type runtime struct {
	ctx    context.Context
	engine *sync.Engine
	store  localstore.Store
}

// newRuntime reads flags and TABLESYNC_* environment variables, initializes
// logging, and wires the store, remote client and engine together.
func newRuntime(cmd *cobra.Command) (*runtime, error) {
	v := viper.New()
	v.SetEnvPrefix("tablesync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	ctx, err := logging.Init(context.Background(),
		logging.WithLogLevel(v.GetString("log-level")),
		logging.WithLogFormat(v.GetString("log-format")),
	)
	if err != nil {
		return nil, err
	}

	endpoint := v.GetString("endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("an --endpoint is required")
	}

	var clientOpts []remote.HTTPOption
	if rps := v.GetInt("rate-limit"); rps > 0 {
		clientOpts = append(clientOpts, remote.WithRequestsPerSecond(rps))
	}
	client, err := remote.NewHTTPClient(endpoint, clientOpts...)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(ctx, v.GetString("db"))
	if err != nil {
		return nil, err
	}

	handler, err := conflictHandler(v.GetString("on-conflict"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engineOpts := []sync.Option{sync.WithHandler(handler)}
	if ps := v.GetUint("page-size"); ps > 0 {
		engineOpts = append(engineOpts, sync.WithPageSize(ps))
	}

	engine, err := sync.New(ctx, store, client, engineOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &runtime{ctx: ctx, engine: engine, store: store}, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}

func conflictHandler(policy string) (sync.Handler, error) {
	switch policy {
	case "", "abort":
		return sync.UnresolvedHandler{}, nil
	case "client-wins":
		return sync.ClientWinsHandler{}, nil
	case "server-wins":
		return sync.ServerWinsHandler{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", policy)
	}
}

// parseQuery assembles the pull/purge query from the table argument and the
// --query-id/--filter flags. Filters are key=value pairs matched for
// equality.
func parseQuery(table string, queryID string, filters []string) (query.Query, error) {
	q := query.Query{Table: table, ID: queryID}
	if len(filters) == 0 {
		return q, nil
	}

	q.Filter.Eq = make(map[string]any, len(filters))
	for _, f := range filters {
		name, value, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return query.Query{}, fmt.Errorf("invalid filter %q, expected key=value", f)
		}
		q.Filter.Eq[name] = value
	}
	return q, nil
}
