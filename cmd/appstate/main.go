// Command appstate answers liveness probes on behalf of running apps.
//
//	appstate -config refreshd.yaml -apps com.example.delta,com.example.clip
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/massimiliano76/AltStore/internal/config/fileloader"
	"github.com/massimiliano76/AltStore/internal/infra/liveness"
	"github.com/massimiliano76/AltStore/internal/infra/liveness/transports"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/otel"
)

const serviceName = "appstate"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("REFRESHD_CONFIG"), "path to the configuration file")
	apps := flag.String("apps", "", "comma separated app IDs reported as running")
	flag.Parse()

	os.Exit(run(*configPath, splitIDs(*apps)))
}

func run(configPath string, appIDs []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(appIDs) == 0 {
		fmt.Fprintln(os.Stderr, "no app IDs given, use -apps")
		return 2
	}

	cfg, err := fileloader.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, serviceName, otel.GetTraceID, logger.Events{}, map[string]string{
		"app": serviceName,
	})

	tp, _, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return 1
	}
	defer telemetryTeardown(context.WithoutCancel(ctx))
	tracer := tp.Tracer(serviceName)

	transport, err := transports.Open(cfg.Liveness, nil, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to open liveness transport", "error", err)
		return 1
	}
	channel, err := liveness.NewChannel(ctx, transport, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to start liveness channel", "error", err)
		return 1
	}
	defer channel.Close()

	sub := channel.Respond(ctx, appIDs)
	defer sub.Cancel()

	log.Info(ctx, "Answering liveness probes", "apps", strings.Join(appIDs, ","), "transport", string(cfg.Liveness.Transport))
	<-ctx.Done()
	log.Info(ctx, "Stopped answering liveness probes")
	return 0
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
