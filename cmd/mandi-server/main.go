package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the order API and recovery worker", `
Serve the mandi HTTP API with the provided configuration, until signaled to
exit (via SIGTERM). The ingest recovery worker runs inside the same process.
`, &cmdServe{})

	_, _ = parser.AddCommand("worker", "Run the recovery worker without the API", `
Run only the ingest recovery worker, for deployments that scale event
processing apart from the HTTP API. A metrics listener is still served.
`, &cmdWorker{})

	_, _ = parser.AddCommand("migrate", "Apply database migrations", `
Apply all pending schema migrations to the configured database, then exit.
`, &cmdMigrate{})

	_, _ = parser.AddCommand("check", "Probe configured backends", `
Probe the database, redis, and broker named by the current configuration and
report which are reachable. Exits non-zero if any configured backend fails.
`, &cmdCheck{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
