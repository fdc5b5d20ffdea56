//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/gorcd/internal/core/config"
	"github.com/zeusync/gorcd/internal/core/observability/log"
	"github.com/zeusync/gorcd/internal/server"
)

// ProvideConfig decodes the gorcd config document at path, falling back to
// config.Default if path is empty.
func ProvideConfig(path string) (*config.Config, error) {
	wire.Build(provideConfigSet)
	return nil, nil
}

var provideConfigSet = wire.NewSet(loadOrDefault)

func loadOrDefault(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// ProvideLogger builds the process-wide structured logger.
func ProvideLogger() log.Log {
	wire.Build(log.Provide)
	return nil
}

// ProvideServer wires Config and Logger into a fully assembled Server; the
// Server itself wires the Event Bus, GORC pipeline, Plugin Host, Router,
// and transports (see internal/server/server.go's New).
func ProvideServer(cfgPath string) (*server.Server, error) {
	wire.Build(ProvideConfig, ProvideLogger, server.New)
	return nil, nil
}
