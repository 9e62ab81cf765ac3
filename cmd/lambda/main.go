// Command lambda serves the HTTP API behind an API Gateway HTTP API (v2)
// integration. Dependencies are built once per cold start and reused by
// every invocation of the execution environment.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/app"
	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/routes"
)

func main() {
	ctx := context.Background()

	proxy, logger, err := coldStart(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lambda: %v\n", err)
		os.Exit(1)
	}
	logger.Info("lambda handler ready")

	lambda.Start(proxy)
}

// coldStart loads configuration and wires the handler.
func coldStart(ctx context.Context) (func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error), *zap.Logger, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return nil, nil, err
	}

	return newProxy(deps), logger, nil
}

// auditFlushTimeout bounds the per-invocation wait for queued audit writes.
const auditFlushTimeout = 2 * time.Second

// newProxy adapts the router to API Gateway v2 events. The execution
// environment is frozen once a response is returned, so queued audit
// entries are flushed before returning.
func newProxy(deps *app.Dependencies) func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	adapter := httpadapter.NewV2(routes.SetupRoutes(deps))
	return func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)

		flushCtx, cancel := context.WithTimeout(ctx, auditFlushTimeout)
		defer cancel()
		if ferr := deps.Audit.Flush(flushCtx); ferr != nil {
			deps.Logger.Warn("audit entries not flushed before response", zap.Error(ferr))
		}
		return resp, err
	}
}
