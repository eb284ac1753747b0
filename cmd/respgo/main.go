package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/metrics"
	"github.com/pzhenzhou/respgo/pkg/web_service"
	cmux2 "github.com/soheilhy/cmux"
)

const serviceName = "respgo"

var (
	logger = common.InitLogger().WithName("main")
	cli    CLI
)

type CLI struct {
	Web     common.WebServerConfig `embed:"" prefix:"web."`
	Metrics common.MetricsConfig   `embed:"" prefix:"metrics."`

	Exec      ExecCmd      `cmd:"" help:"Run one command against a single server."`
	Cluster   ClusterCmd   `cmd:"" help:"Run one command against a cluster, routed by key slot."`
	Subscribe SubscribeCmd `cmd:"" help:"Subscribe to channels or patterns and print messages."`
}

// App carries what every subcommand shares: the metrics collector and the
// optional side web server.
type App struct {
	collector metrics.ClientMetricsCollector
	errChan   chan error
	web       *web_service.WebServer
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(serviceName),
		kong.Description("A pipelined RESP client with cluster routing."),
		kong.UsageOnError())
	app := &App{
		collector: metrics.NopCollector{},
		errChan:   make(chan error, 2),
	}
	if cli.Metrics.EnableMetrics {
		collector, err := metrics.NewMetricsCollector(metrics.NewConfigFromFlags(serviceName, &cli.Metrics))
		ctx.FatalIfErrorf(err)
		app.collector = collector
	}

	signChan := make(chan os.Signal, 1)
	signal.Notify(signChan, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() {
		done <- ctx.Run(app)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case runErr = <-app.errChan:
	case sig := <-signChan:
		logger.Info("Received signal, shutting down...", "Sigs", sig)
	}
	app.shutdown()
	ctx.FatalIfErrorf(runErr)
}

// startWeb serves the side web server when --web.listen is set. topology may
// be nil.
func (a *App) startWeb(topology web_service.TopologySource) error {
	if cli.Web.Listen == "" {
		return nil
	}
	listener, err := net.Listen("tcp", cli.Web.Listen)
	if err != nil {
		return err
	}
	m := cmux2.New(listener)
	var collector metrics.ClientMetricsCollector
	if cli.Metrics.EnableMetrics {
		collector = a.collector
	}
	a.web = web_service.NewWebServer(&cli.Web, &cli.Metrics, topology, collector)
	go func() {
		if err := a.web.Start(m); err != nil {
			a.errChan <- err
		}
	}()
	go func() {
		logger.Info("Starting cmux server...", "ServiceAddr", listener.Addr())
		if err := m.Serve(); err != nil {
			logger.V(1).Info("cmux server stopped", "error", err.Error())
		}
	}()
	return nil
}

func (a *App) shutdown() {
	if a.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.web.Shutdown(ctx)
	}
	if a.collector != nil {
		a.collector.Shutdown()
	}
}
