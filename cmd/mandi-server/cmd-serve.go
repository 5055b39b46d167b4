package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/mandihq/mandi/api"
	"github.com/mandihq/mandi/uploads"
)

// shutdownGrace bounds the HTTP drain after SIGTERM.
const shutdownGrace = 15 * time.Second

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"environment": Config.Server.Environment,
		"port":        Config.Server.Port,
		"version":     mbp.Version,
		"buildDate":   mbp.BuildDate,
	}).Info("mandi-server configuration")

	if len(Config.Server.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, have %d", len(Config.Server.JWTSecret))
	}

	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)

	app, err := buildApp(tasks.Context())
	mbp.Must(err, "wiring services")

	var router = mux.NewRouter()
	mbp.Must(api.RegisterAPIs(router, api.Deps{
		Events:    app.events,
		Worker:    app.worker,
		Machine:   app.machine,
		Orders:    app.orders,
		Retries:   app.retries,
		Catalog:   app.catalog,
		Uploads:   app.uploads,
		Keys:      &api.KeyStore{DB: app.pool},
		Spool:     uploads.Spool{Dir: Config.Uploads.Dir},
		DB:        app.pool,
		JWTSecret: []byte(Config.Server.JWTSecret),
		Inflight:  Config.Server.Inflight,
	}), "registering APIs")

	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Server.Port),
		Handler: router,
	}

	app.notifier.Start(tasks.Context())

	tasks.Queue("recovery.Run", func() error {
		return app.worker.Run(tasks.Context())
	})
	tasks.Queue("http.Serve", func() error {
		log.WithField("addr", srv.Addr).Info("serving HTTP API")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Install signal handler & begin serving.
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()

			var ctx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(ctx)

		case <-tasks.Context().Done():
			// Another task failed; close the listener so Wait can return.
			var ctx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "server task failed")

	app.notifier.Wait()
	app.close()
	log.Info("goodbye")

	return nil
}
