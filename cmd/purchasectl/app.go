package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cohere/internal/booking"
	"github.com/smallbiznis/cohere/internal/catalog"
	"github.com/smallbiznis/cohere/internal/checkout"
	"github.com/smallbiznis/cohere/internal/clock"
	"github.com/smallbiznis/cohere/internal/config"
	"github.com/smallbiznis/cohere/internal/events"
	"github.com/smallbiznis/cohere/internal/freejoin"
	"github.com/smallbiznis/cohere/internal/gateway"
	"github.com/smallbiznis/cohere/internal/identity"
	"github.com/smallbiznis/cohere/internal/observability"
	"github.com/smallbiznis/cohere/internal/pricing"
	"github.com/smallbiznis/cohere/internal/purchase"
	"github.com/smallbiznis/cohere/internal/transfer"
	"github.com/smallbiznis/cohere/pkg/db"
	"go.uber.org/fx"
)

const startTimeout = 30 * time.Second

func infraModules(nodeID int64) fx.Option {
	return fx.Options(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(func() (*snowflake.Node, error) { return snowflake.NewNode(nodeID) }),
		db.Module,
	)
}

func domainModules() fx.Option {
	return fx.Options(
		clock.Module,
		events.Module,
		gateway.Module,
		catalog.Module,
		identity.Module,
		booking.Module,
		pricing.Module,
		purchase.Module,
		freejoin.Module,
		checkout.Module,
		transfer.Module,
	)
}

// runApp starts an fx app built from opts, calls fn, then stops the app.
func runApp(ctx context.Context, fn func(ctx context.Context) error, opts ...fx.Option) error {
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}
