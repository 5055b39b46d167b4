package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
)

type cmdWorker struct{}

// Execute runs the recovery worker without the public API: the same wiring
// as serve, minus the business routes. A metrics listener stays up so the
// worker is still scrapeable.
func (cmdWorker) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"environment": Config.Server.Environment,
		"port":        Config.Server.Port,
		"version":     mbp.Version,
		"buildDate":   mbp.BuildDate,
	}).Info("mandi-worker configuration")

	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)

	app, err := buildApp(tasks.Context())
	mbp.Must(err, "wiring services")

	var router = mux.NewRouter()
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())
	router.Path("/health").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	var srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Server.Port),
		Handler: router,
	}

	app.notifier.Start(tasks.Context())

	tasks.Queue("recovery.Run", func() error {
		return app.worker.Run(tasks.Context())
	})
	tasks.Queue("http.Serve", func() error {
		log.WithField("addr", srv.Addr).Info("serving worker metrics")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

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
			var ctx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(ctx)
		}
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "worker task failed")

	app.notifier.Wait()
	app.close()
	log.Info("goodbye")

	return nil
}
