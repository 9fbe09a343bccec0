package main

import (
	"github.com/smallbiznis/netbill/internal/app"
	"github.com/smallbiznis/netbill/internal/server"
	"go.uber.org/fx"
)

// api serves the admin HTTP surface only.
func main() {
	fx.New(
		app.Core,
		server.Module,
	).Run()
}
