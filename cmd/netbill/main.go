package main

import (
	"github.com/smallbiznis/netbill/internal/app"
	"github.com/smallbiznis/netbill/internal/dispatcher"
	"github.com/smallbiznis/netbill/internal/migration"
	"github.com/smallbiznis/netbill/internal/reconcile"
	"github.com/smallbiznis/netbill/internal/scheduler"
	"github.com/smallbiznis/netbill/internal/server"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Core,
		migration.Module,

		server.Module,
		dispatcher.Module,
		reconcile.Module,
		scheduler.Module,
	).Run()
}
