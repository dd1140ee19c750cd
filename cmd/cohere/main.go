package main

import (
	"os"
	"strconv"

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
	"github.com/smallbiznis/cohere/internal/migration"
	"github.com/smallbiznis/cohere/internal/observability"
	"github.com/smallbiznis/cohere/internal/pricing"
	"github.com/smallbiznis/cohere/internal/purchase"
	"github.com/smallbiznis/cohere/internal/ratelimit"
	"github.com/smallbiznis/cohere/internal/reconcile"
	"github.com/smallbiznis/cohere/internal/scheduler"
	"github.com/smallbiznis/cohere/internal/server"
	"github.com/smallbiznis/cohere/internal/transfer"
	"github.com/smallbiznis/cohere/internal/webhook"
	"github.com/smallbiznis/cohere/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		events.Module,
		gateway.Module,

		// Collaborators
		catalog.Module,
		identity.Module,
		booking.Module,

		// Functional Domains
		pricing.Module,
		purchase.Module,
		freejoin.Module,
		checkout.Module,
		transfer.Module,
		reconcile.Module,
		webhook.Module,
		scheduler.Module,

		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

// RegisterSnowflake builds the id node from NODE_ID so replicas never collide.
func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("NODE_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		nodeID = parsed
	}
	return snowflake.NewNode(nodeID)
}
