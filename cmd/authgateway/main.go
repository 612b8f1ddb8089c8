// Command authgateway runs the federated login and token gateway.
package main

import (
	"os"

	"github.com/yourorg/authgateway/cmd/authgateway/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
