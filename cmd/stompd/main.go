// Copyright (c) 2014 The SurgeMQ Authors. All rights reserved.
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

// stompd runs a STOMP 1.1 broker. Each destination has at most one subscriber, and
// every SEND is relayed to it as a MESSAGE.
//
//   $ stompd --addr tcp://:61613 --ws-addr ws://:8080 --ws-path /stomp --metrics-addr :9102
//
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/surgemq/surgestomp/commons"
	"github.com/surgemq/surgestomp/service"
	"go.uber.org/zap"
)

var (
	stompdCmd = &cobra.Command{
		Use:   "stompd",
		Short: "stompd runs a STOMP 1.1 broker",
		RunE:  serve,
	}

	addr          string
	wsAddr        string
	wsPath        string
	metricsAddr   string
	authenticator string
	destsProvider string
	debug         bool
)

func init() {
	stompdCmd.Flags().StringVarP(&addr, "addr", "a", "tcp://:"+service.DefaultPort, "URI to listen for TCP clients on")
	stompdCmd.Flags().StringVar(&wsAddr, "ws-addr", "", "URI to listen for websocket clients on, eg. 'ws://:8080'")
	stompdCmd.Flags().StringVar(&wsPath, "ws-path", service.DefaultWebsocketPath, "Websocket path used when --ws-addr has none")
	stompdCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve /metrics on, eg. ':9102'")
	stompdCmd.Flags().StringVar(&authenticator, "auth", "", "Authenticator type, empty accepts every CONNECT")
	stompdCmd.Flags().StringVar(&destsProvider, "destinations", service.DefaultDestinationsProvider, "Destinations provider type")
	stompdCmd.Flags().BoolVarP(&debug, "debug", "d", commons.SystemDebug, "Enable debug logging")
}

func serve(cmd *cobra.Command, args []string) error {
	if err := commons.SetDebug(debug); err != nil {
		return err
	}

	svr := &service.Server{
		Authenticator:        authenticator,
		DestinationsProvider: destsProvider,
		WebsocketPath:        wsPath,
	}

	ctx, cancel := context.WithCancel(context.Background())
	commons.CaptureSigint(ctx, cancel, time.Second)

	errs := make(chan error, 3)

	go func() {
		errs <- svr.ListenAndServe(addr)
	}()

	if wsAddr != "" {
		go func() {
			errs <- svr.ListenAndServe(wsAddr)
		}()
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		go func() {
			errs <- http.ListenAndServe(metricsAddr, mux)
		}()
	}

	var err error

	select {
	case <-ctx.Done():
	case err = <-errs:
		cancel()
	}

	if err != nil {
		commons.Log.Error("stompd: server stopped", zap.Error(err))
	}

	svr.Close()

	return err
}

func main() {
	if err := stompdCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
