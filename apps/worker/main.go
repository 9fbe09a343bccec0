package main

import (
	"github.com/smallbiznis/netbill/internal/app"
	"github.com/smallbiznis/netbill/internal/reconcile"
	"github.com/smallbiznis/netbill/internal/scheduler"
	"go.uber.org/fx"
)

// worker runs the background loops: billing reconciliation and period close.
func main() {
	fx.New(
		app.Core,
		reconcile.Module,
		scheduler.Module,
	).Run()
}
