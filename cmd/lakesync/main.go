// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command lakesync runs a single gateway instance: it parses flags,
// wires a Gateway, starts the maintenance scheduler, and serves until
// an interrupt asks it to stop. There is no HTTP transport here (see
// Non-goals); wiring one is left to the embedding deployment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/gateway"
	"github.com/cockroachdb/lakesync/internal/syncrules"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/diag"
	"github.com/cockroachdb/lakesync/internal/util/metrics"
	"github.com/cockroachdb/lakesync/internal/util/stopper"
)

// Config is the user-visible configuration for running one gateway
// instance, bound from flags the way server.Config does in the
// underlying gateway library.
type Config struct {
	GatewayID      string
	Table          string
	PrimaryKey     []string
	Columns        []string
	LogLevel       string
	LogJSON        bool
	MaxBufferBytes int64
	MaxBufferAgeMs int64
	SchedulerMs    int64
	SchedulerOn    bool
	PostgresDSN    string
	MySQLDSN       string
	SyncRulesFile  string
}

// Bind registers the flags this Config understands.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.GatewayID, "gatewayId", "", "unique identifier for this gateway instance")
	flags.StringVar(&c.Table, "table", "", "name of the table this gateway replicates")
	flags.StringSliceVar(&c.PrimaryKey, "primaryKey", nil, "comma-separated primary key column names")
	flags.StringSliceVar(&c.Columns, "columns", nil,
		"comma-separated name:type column declarations (type one of string, number, boolean, json)")
	flags.StringVar(&c.LogLevel, "logLevel", "info", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&c.LogJSON, "logJSON", false, "emit logs as JSON instead of text")
	flags.Int64Var(&c.MaxBufferBytes, "maxBufferBytes", 64<<20, "buffer size that triggers a flush")
	flags.Int64Var(&c.MaxBufferAgeMs, "maxBufferAgeMs", 10_000, "buffer age in milliseconds that triggers a flush")
	flags.Int64Var(&c.SchedulerMs, "maintenanceIntervalMs", types.DefaultSchedulerConfig().IntervalMs,
		"interval in milliseconds between maintenance cycles")
	flags.BoolVar(&c.SchedulerOn, "maintenanceEnabled", true, "run the background maintenance scheduler")
	flags.StringVar(&c.PostgresDSN, "postgresDSN", "", "Postgres connection string for the database adapter; mutually exclusive with mysqlDSN")
	flags.StringVar(&c.MySQLDSN, "mysqlDSN", "", "MySQL data source name for the database adapter; mutually exclusive with postgresDSN")
	flags.StringVar(&c.SyncRulesFile, "syncRulesFile", "", "path to a JSON-encoded syncrules.Rules document gating pull access by bucket/claim")
}

// Preflight validates the configuration once flags have been parsed.
func (c *Config) Preflight() error {
	if c.GatewayID == "" {
		return errors.New("gatewayId unset")
	}
	if c.Table == "" {
		return errors.New("table unset")
	}
	if len(c.PrimaryKey) == 0 {
		return errors.New("primaryKey unset")
	}
	if c.PostgresDSN != "" && c.MySQLDSN != "" {
		return errors.New("postgresDSN and mysqlDSN are mutually exclusive")
	}
	if _, err := parseColumns(c.Columns); err != nil {
		return err
	}
	return nil
}

// parseColumns turns "name:type" declarations into ColumnDefs.
// Recognized types are string, number, boolean, and json; unqualified
// names (no colon) default to string, matching the common case of a
// handful of text columns.
func parseColumns(raw []string) ([]types.ColumnDef, error) {
	defs := make([]types.ColumnDef, 0, len(raw))
	for _, entry := range raw {
		name, kind, found := strings.Cut(entry, ":")
		if !found {
			kind = "string"
		}
		var typ types.ColumnType
		switch kind {
		case "string":
			typ = types.ColumnTypeString
		case "number":
			typ = types.ColumnTypeNumber
		case "boolean":
			typ = types.ColumnTypeBoolean
		case "json":
			typ = types.ColumnTypeJSON
		default:
			return nil, errors.Errorf("column %q: unknown type %q", name, kind)
		}
		defs = append(defs, types.ColumnDef{Name: name, Type: typ})
	}
	return defs, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lakesync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid logLevel %q", cfg.LogLevel)
	}
	log.SetLevel(level)
	if cfg.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx := stopper.WithContext(context.Background())

	g, err := buildGateway(cfg)
	if err != nil {
		return errors.Wrap(err, "building gateway")
	}

	diagnostics, cleanupDiag := diag.New(ctx)
	defer cleanupDiag()
	if store, ok := g.Flush.ObjectStore.(diag.Diagnostic); ok {
		if err := diagnostics.Register("objectStore", store); err != nil {
			log.WithError(err).Warn("could not register object store diagnostic")
		}
	}

	if g.Scheduler != nil {
		if err := g.Scheduler.Start(ctx); err != nil {
			log.WithError(err).Warn("maintenance scheduler did not start")
		} else {
			log.WithField("gatewayId", cfg.GatewayID).Info("maintenance scheduler started")
		}
	}

	log.WithFields(log.Fields{
		"gatewayId": cfg.GatewayID,
		"table":     cfg.Table,
	}).Info("lakesync gateway running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if g.Scheduler != nil {
		g.Scheduler.Stop()
	}
	ctx.Stop(10 * time.Second)

	return ctx.Err()
}

// buildGateway constructs the Gateway described by cfg, choosing an
// object-store or database-adapter backend depending on which DSN
// flags were supplied. With neither supplied, it falls back to an
// in-memory object store, suitable for local exploration.
func buildGateway(cfg *Config) (*gateway.Gateway, error) {
	columns, err := parseColumns(cfg.Columns)
	if err != nil {
		return nil, err
	}
	schema := types.TableSchema{
		Table:      cfg.Table,
		PrimaryKey: cfg.PrimaryKey,
		Columns:    columns,
	}

	deps := gateway.Deps{
		Config: types.GatewayConfig{
			GatewayID:      cfg.GatewayID,
			MaxBufferBytes: cfg.MaxBufferBytes,
			MaxBufferAgeMs: cfg.MaxBufferAgeMs,
		},
		Schema: schema,
	}

	if cfg.SyncRulesFile != "" {
		rules, err := loadSyncRules(cfg.SyncRulesFile)
		if err != nil {
			return nil, errors.Wrap(err, "loading syncRulesFile")
		}
		deps.Rules = rules
	}

	switch {
	case cfg.PostgresDSN != "":
		db, err := adapter.NewPostgresDatabaseAdapter(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres database adapter")
		}
		deps.Database = db
	case cfg.MySQLDSN != "":
		db, err := adapter.NewMySQLDatabaseAdapter(context.Background(), cfg.MySQLDSN)
		if err != nil {
			return nil, errors.Wrap(err, "opening mysql database adapter")
		}
		deps.Database = db
	default:
		deps.ObjectStore = adapter.NewMemoryObjectStore()
	}

	g, err := gateway.New(deps)
	if err != nil {
		return nil, err
	}
	if g.Scheduler != nil {
		g.Scheduler.Config = types.SchedulerConfig{IntervalMs: cfg.SchedulerMs, Enabled: cfg.SchedulerOn}
	}
	return g, nil
}

// loadSyncRules reads a JSON-encoded syncrules.Rules document. Gateway.PullRequest
// uses the result to filter every pull the embedding deployment serves
// through this gateway.
func loadSyncRules(path string) (*syncrules.Rules, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules syncrules.Rules
	if err := json.Unmarshal(body, &rules); err != nil {
		return nil, errors.Wrap(err, "parsing sync rules document")
	}
	return &rules, nil
}
