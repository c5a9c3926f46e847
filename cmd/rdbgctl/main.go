// Command rdbgctl is an interactive client for rdbgd: a readline REPL
// that sends one wire-protocol command per line and prints the reply.
//
// Grounded on bin/bad/main.go's readline+prefix-dispatch loop, adapted
// from an in-process *bad.Debugger to a networked *rpc.Client since
// rdbgctl and rdbgd are separate processes (spec.md §6).
package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/aarch64rdbg/engine/config"
	"github.com/aarch64rdbg/engine/rpc"
)

func main() {
	defaultAddr := fmt.Sprintf("%s:%d", config.DefaultListenAddress, config.DefaultPort)
	addr := flag.String("addr", defaultAddr, "rdbgd address (host:port)")
	flag.Parse()

	client, err := rpc.Dial(*addr)
	if err != nil {
		panic(err)
	}
	defer client.Close()

	fmt.Println("connected to", *addr)

	rl, err := readline.New("rdbg > ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			panic(err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		command, content, _ := strings.Cut(line, " ")

		replyCommand, replyContent, err := client.Call(command, []byte(content))
		if err != nil {
			fmt.Println("error:", err)
			continue
		}

		if replyCommand == "error" {
			fmt.Println("error:", string(replyContent))
		} else {
			fmt.Println(string(replyContent))
		}
	}
}
