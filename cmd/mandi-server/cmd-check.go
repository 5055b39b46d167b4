package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/mandihq/mandi/postgres"
	"github.com/mandihq/mandi/queue"
)

// cmdCheck probes each backend named by the current configuration and
// reports whether `serve` could start with it.
type cmdCheck struct{}

const checkTimeout = time.Second * 5

var green = color.New(color.FgGreen).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

func (cmdCheck) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	var ctx, cancel = context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	var checks = []struct {
		name  string
		skip  bool // backend is optional and not configured
		probe func(context.Context) error
	}{
		{"postgres", false, checkPostgres},
		{"redis", Config.Redis.URL == "", checkRedis},
		{"broker", Config.Broker.URL == "", checkBroker},
	}

	var failed int
	for _, c := range checks {
		if c.skip {
			fmt.Printf("%-10s skipped (not configured)\n", c.name)
			continue
		}
		if err := c.probe(ctx); err != nil {
			fmt.Printf("%-10s %s (%v)\n", c.name, red("FAILED"), err)
			failed++
		} else {
			fmt.Printf("%-10s %s\n", c.name, green("OK"))
		}
	}

	if failed != 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

// checkPostgres relies on Connect verifying connectivity with a ping.
func checkPostgres(ctx context.Context) error {
	var pool, err = postgres.Connect(ctx, Config.DB.URL)
	if err != nil {
		return err
	}
	pool.Close()
	return nil
}

func checkRedis(ctx context.Context) error {
	var opts, err = redis.ParseURL(Config.Redis.URL)
	if err != nil {
		return err
	}
	var rdb = redis.NewClient(opts)
	defer rdb.Close()
	return rdb.Ping(ctx).Err()
}

func checkBroker(context.Context) error {
	var pub, err = queue.Dial(Config.Broker.URL)
	if err != nil {
		return err
	}
	return pub.Close()
}
