package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/leave-engine/api"
	"github.com/warp/leave-engine/settlement"
	"github.com/warp/leave-engine/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			a.cfg.Server.Port = port
		}

		reconciler := settlement.NewReconciler(a.store, settlement.WithLogger(a.log))
		dispatcher := settlement.NewDispatcher(reconciler, a.cfg.Settlement.Workers, a.cfg.Settlement.QueueSize)
		dispatcher.Start()
		defer dispatcher.Stop()

		wf := workflow.NewService(a.store, workflow.WithTrigger(dispatcher), workflow.WithLogger(a.log))
		auth := api.NewAuthenticator(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL, a.store)
		handler := api.NewHandler(a.store, wf, reconciler, auth, a.log)
		router := api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: a.cfg.CORS.AllowedOrigins,
			Health:         a.ping,
			AccessLog:      a.log,
		})

		server := &http.Server{
			Addr:         a.cfg.Server.Addr(),
			Handler:      router,
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
			IdleTimeout:  a.cfg.Server.IdleTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			a.log.WithField("addr", server.Addr).Info("server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		}

		a.log.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		a.log.Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP server port (overrides server.port)")
}
