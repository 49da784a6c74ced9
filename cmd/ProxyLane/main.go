// Package main is the entry point of the ProxyLane account pool service.
// It serves the admin HTTP API and runs the background refresh jobs.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"ProxyLane/internal/biz"
	"ProxyLane/internal/conf"
	zapLogger "ProxyLane/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/robfig/cron/v3"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "proxylane"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, pool *biz.TokenManager, jobs *cron.Cron) *kratos.App {
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(hs),
		// 账户池在接收请求前加载完毕
		kratos.BeforeStart(func(ctx context.Context) error {
			return pool.Start(ctx)
		}),
		kratos.AfterStart(func(context.Context) error {
			jobs.Start()
			return nil
		}),
		kratos.BeforeStop(func(ctx context.Context) error {
			select {
			case <-jobs.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		}),
	)
}

func main() {
	flag.Parse()

	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Use fallback logger before Zap is initialized
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	logger := log.With(zapLogger.NewKratosAdapter(zapLog),
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)

	zapLogger.NewLogHelper(logger).Startup("ProxyLane service starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"log.env", bc.Log.Env,
		"started_at", time.Now().Format(time.RFC3339),
	)

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Auth, bc.Pool, bc.Upstream, bc.Cron, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
