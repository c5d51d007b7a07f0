// Copyright 2021-2022 The marketlink Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/marketlink/apis"
	"github.com/alwitt/marketlink/common"
	"github.com/alwitt/marketlink/core"
	"github.com/alwitt/marketlink/realtime"
	"github.com/alwitt/marketlink/relay"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// StompClientConfigFromMarketplace build the transport config from the marketplace config
func StompClientConfigFromMarketplace(cfg common.MarketplaceConfig) core.StompClientConfig {
	result := core.DefaultStompClientConfig(cfg.WebSocketURL)
	result.ConnectTimeout = cfg.ConnectTimeoutDuration()
	result.ReconnectDelay = cfg.ReconnectDelayDuration()
	result.HeartbeatOutgoing = time.Millisecond * time.Duration(cfg.Heartbeat.OutgoingMS)
	result.HeartbeatIncoming = time.Millisecond * time.Duration(cfg.Heartbeat.IncomingMS)
	return result
}

// RunRelay run the marketplace to NATS relay until the runtime context is cancelled
func RunRelay(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}
	if config.Marketplace.AuthToken == "" {
		err := fmt.Errorf("no marketplace auth token provided")
		log.WithError(err).WithFields(logTags).Error("Unable to start relay")
		return err
	}

	transport, err := core.GetStompClient(
		StompClientConfigFromMarketplace(config.Marketplace), instance, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define STOMP client")
		return err
	}

	// The client outlives the runtime context so the shutdown can disconnect cleanly
	clientCtxt, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()
	client, err := realtime.GetClientInstance(
		instance, transport, realtime.DefaultClientOptions(), clientCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define realtime client")
		return err
	}

	tracker, err := realtime.GetTypingTrackerInstance(
		instance,
		time.Millisecond*time.Duration(config.Marketplace.TypingExpiry),
		runtimeContext,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define typing tracker")
		return err
	}

	forwarder, err := relay.DefineRelay(instance, config.Relay, client, natsClient, tracker)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define relay")
		return err
	}
	if err := forwarder.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start relay")
		return err
	}

	// Drain decode / publish errors
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-runtimeContext.Done():
				return
			case err := <-client.Errors():
				log.WithError(err).WithFields(logTags).Warn("Realtime client error")
			}
		}
	}()

	waiter, err := client.ConnectAsync(config.Marketplace.AuthToken)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to request connect")
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-runtimeContext.Done():
		case err := <-waiter:
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Marketplace connect failed")
			} else {
				log.WithFields(logTags).Infof("Connected to %s", config.Marketplace.WebSocketURL)
			}
		}
	}()

	// -------------------------------------------------------------------
	// Start the status HTTP server

	httpHandler, err := apis.GetAPIRestStatusHandler(client, natsClient.Connected, config.Status)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}
	router := httpHandler.BuildRouter(config.Status.PathPrefix)

	serverCfg := config.Status.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started status server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	if err := client.Disconnect(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during disconnect")
	}
	if err := client.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during client stop")
	}
	tracker.Clear()

	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		natsClient.Close(ctx)
	}
	return nil
}
