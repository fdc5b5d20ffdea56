package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/gorcd/internal/injector"
	"github.com/zeusync/gorcd/internal/server"
)

// Exit codes per spec.md §6: 0 normal, 1 configuration error, 2 plugin load
// failure (strict), 3 fatal runtime.
const (
	exitOK = iota
	exitConfigError
	exitPluginLoadFailure
	exitFatalRuntime
)

func main() {
	cfgPath := flag.String("config", "", "path to the gorcd config document (defaults to built-in defaults)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := injector.ProvideServer(*cfgPath)
	if err != nil {
		fmt.Println("Error building server:", err)
		os.Exit(exitConfigError)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err := srv.Start(ctx); err != nil {
		fmt.Println("Error starting server:", err)
		os.Exit(exitCodeFor(err))
	}

	<-stopCh
	cancel()
	if err := srv.Close(); err != nil {
		fmt.Println("Error closing server:", err)
	}
}

// exitCodeFor classifies a Server.Start failure into its spec.md §6 exit
// code: plugin load failures and transport/runtime failures are
// distinguished by the sentinel errors Server.Start wraps them in.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, server.ErrPluginLoadFailed):
		return exitPluginLoadFailure
	case errors.Is(err, server.ErrFatalRuntime):
		return exitFatalRuntime
	default:
		return exitConfigError
	}
}
