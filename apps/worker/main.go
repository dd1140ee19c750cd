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
	"github.com/smallbiznis/cohere/internal/observability"
	"github.com/smallbiznis/cohere/internal/pricing"
	"github.com/smallbiznis/cohere/internal/purchase"
	"github.com/smallbiznis/cohere/internal/scheduler"
	"github.com/smallbiznis/cohere/internal/transfer"
	"github.com/smallbiznis/cohere/pkg/db"
	"go.uber.org/fx"
)

// The worker runs the outbox drain and the unpaid sweep without an HTTP surface,
// so the API replicas can set SCHEDULER_ENABLED=false.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		events.Module,
		gateway.Module,

		// Domain services required by the jobs
		catalog.Module,
		identity.Module,
		booking.Module,
		pricing.Module,
		purchase.Module,
		freejoin.Module,
		checkout.Module,
		transfer.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID := int64(2)
	if raw := os.Getenv("NODE_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		nodeID = parsed
	}
	return snowflake.NewNode(nodeID)
}
