package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/mandihq/mandi/postgres"
)

type cmdMigrate struct{}

func (cmdMigrate) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	var ctx = context.Background()
	var pool, err = postgres.Connect(ctx, Config.DB.URL)
	mbp.Must(err, "connecting to postgres")
	defer pool.Close()

	mbp.Must(postgres.Migrate(ctx, pool), "applying migrations")
	log.Info("migrations applied")

	return nil
}
