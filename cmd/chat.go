// Copyright 2024-2026 The relay Authors
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

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/habitloop/relay/apis"
	"github.com/habitloop/relay/common"
	"github.com/habitloop/relay/core"
	"github.com/habitloop/relay/messaging"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ChatServerParams parameters for running the chat transport server
type ChatServerParams struct {
	// Config the chat server config
	Config *common.ChatServerConfig `validate:"required,dive"`
	// Verifier resolves handshake credentials
	Verifier messaging.AuthVerifier `validate:"required"`
	// Directory answers group membership questions
	Directory messaging.GroupDirectory `validate:"required"`
	// Store persists messages, reactions, and receipts
	Store messaging.MessageStore `validate:"required"`
}

// RunChatServer run the chat transport server
func RunChatServer(
	params ChatServerParams,
	instance string,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "chat",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server params")
		return err
	}
	config := params.Config

	notifier, err := messaging.GetNATSOfflineNotifier(
		natsClient, config.Offline.SubjectPrefix,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define offline notifier")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	service, err := messaging.GetChatService(localCtxt, messaging.ChatServiceParams{
		Instance:  instance,
		Verifier:  params.Verifier,
		Directory: params.Directory,
		Store:     params.Store,
		Notifier:  notifier,
		Registry: messaging.RegistryConfig{
			MaxConnectionsPerUser: config.Connections.MaxPerUser,
			RateLimitMaxMessages:  config.RateLimit.MaxMessages,
			RateLimitWindow:       time.Second * time.Duration(config.RateLimit.WindowSec),
		},
		HeartbeatSweepInterval: time.Second * time.Duration(config.Heartbeat.SweepIntervalSec),
		HeartbeatTimeout:       time.Second * time.Duration(config.Heartbeat.TimeoutSec),
		OfflineQueue: messaging.OfflineQueueConfig{
			MaxRetries:    config.Offline.MaxRetries,
			RetryInterval: time.Second * time.Duration(config.Offline.RetryIntervalSec),
			TaskBuffer:    config.Offline.TaskBufferLen,
		},
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define chat service")
		return err
	}
	if err := service.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start chat service")
		return err
	}

	httpHandler, err := apis.GetAPIRestChatHandler(
		localCtxt,
		service,
		natsClient,
		&config.HTTPSetting,
		config.Connections.SendBufferLen,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Chat session
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/chat/group/{groupID}", map[string]http.HandlerFunc{
			"get": httpHandler.ServeChatGroupHandler(),
		},
	)

	// Service stats
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/chat/stats", map[string]http.HandlerFunc{
			"get": httpHandler.GetStatsHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the chat service before the HTTP server so every live session is
	// closed with the shutdown reason
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := service.Stop(ctx); err != nil {
			log.WithError(err).Error("Failure during chat service shutdown")
		}
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
