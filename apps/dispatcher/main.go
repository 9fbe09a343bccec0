package main

import (
	"github.com/smallbiznis/netbill/internal/app"
	"github.com/smallbiznis/netbill/internal/dispatcher"
	"go.uber.org/fx"
)

// dispatcher consumes inbound commands from JetStream. Scale it out freely:
// consumers share one durable.
func main() {
	fx.New(
		app.Core,
		dispatcher.Module,
	).Run()
}
