// Copyright 2026 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/logutil"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const statusShutdownTimeout = 3 * time.Second

// InitCmd initializes the logger and returns the root context of the command
// with its cancel function.
func InitCmd(cmd *cobra.Command, logCfg *logutil.Config) (context.Context, context.CancelFunc) {
	err := logutil.InitLogger(logCfg)
	if err != nil {
		cmd.Printf("init logger error %v\n", errors.ErrorStack(err))
		os.Exit(1)
	}
	log.Info("init log", zap.String("file", logCfg.File), zap.String("level", logCfg.Level))

	return context.WithCancel(context.Background())
}

// InitSignalHandling cancels the command on the first signal and exits the
// process on the second one. It stops listening once ctx is done.
func InitSignalHandling(ctx context.Context, cancel context.CancelFunc) {
	// systemd and k8s send signals twice. The first is for graceful shutdown,
	// and the second is for force shutdown.
	sc := make(chan os.Signal, 2)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sc)
		select {
		case sig := <-sc:
			log.Info("got signal, prepare to shutdown", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
			return
		}
		sig := <-sc
		log.Info("got signal, force shutdown", zap.Stringer("signal", sig))
		os.Exit(1)
	}()
}

// ServeStatus serves the metrics of registry on addr under /metrics until ctx
// is done.
func ServeStatus(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapError(errors.ErrStatusServer, err, addr)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("status server started", zap.String("addr", lis.Addr().String()))

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(lis)
	}()
	select {
	case err := <-done:
		return errors.WrapError(errors.ErrStatusServer, err, addr)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("status server shutdown failed", zap.Error(err))
	}
	<-done
	return nil
}

// JSONPrint will output the data in JSON format.
func JSONPrint(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Printf("%s\n", data)
	return nil
}

// CheckErr prints the error and exits when err is not nil.
func CheckErr(err error) {
	cobra.CheckErr(err)
}
