// Copyright 2026 The RaftFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/raftfs/raftfs/metrics"
	"github.com/raftfs/raftfs/server"
)

type config struct {
	server.Config

	MetricsAddr string `json:"metrics_addr"`
	LogLevel    string `json:"log_level"`
}

func main() {
	configPath := flag.String("f", "server.json", "path to the config file")
	flag.Parse()

	cfg := &config{}
	raw, err := os.ReadFile(*configPath)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		panic(err)
	}

	lg := newLogger(cfg.LogLevel)
	defer lg.Sync()
	cfg.Logger = lg

	srv, err := server.NewServer(&cfg.Config)
	if err != nil {
		lg.Sugar().Fatalw("start server failed", "err", err)
	}
	srv.Start()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Sugar().Errorw("metrics endpoint failed", "err", err)
			}
		}()
	}

	lg.Sugar().Infow("raftfs node started", "node_id", cfg.NodeID, "addr", srv.Addr())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(ctx)
		cancel()
	}
	srv.Close()
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		if lv, err := zap.ParseAtomicLevel(level); err == nil {
			zcfg.Level = lv
		}
	}
	lg, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return lg
}
