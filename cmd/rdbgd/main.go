// Command rdbgd is the debugger server: it loads config, wires up
// logging, and serves the RPC protocol until killed.
//
// Grounded on bin/bad/main.go's flag-then-attach shape, extended with
// config.Load/logflags.Setup since rdbgd (unlike bad) is a standalone
// daemon rather than a REPL wrapping an in-process debugger.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aarch64rdbg/engine/config"
	"github.com/aarch64rdbg/engine/logflags"
	"github.com/aarch64rdbg/engine/rpc"
)

func main() {
	conf, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdbgd: %v\n", err)
		os.Exit(1)
	}

	addr := flag.String("addr", "", "listen address (host:port), overrides config")
	logFlag := flag.Bool("log", conf.Log, "enable logging")
	logOutput := flag.String("log-output", conf.LogOutput, "comma-separated subsystems to log")
	flag.Parse()

	if err := logflags.Setup(*logFlag, *logOutput, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "rdbgd: %v\n", err)
		os.Exit(1)
	}

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf("%s:%d", conf.ListenAddress, conf.Port)
	}

	server := rpc.NewServer()
	logflags.DebuggerLogger().Infof("starting rdbgd on %s", listenAddr)

	if err := server.Serve(listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "rdbgd: %v\n", err)
		os.Exit(1)
	}
}
