package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sushant-115/gojodoc/config/certs"
	"github.com/sushant-115/gojodoc/pkg/connection"
)

const requestTimeout = 30 * time.Second

// processCommand sends one command and prints the reply. It reports false
// when the CLI should exit.
func processCommand(client *connection.Client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		return false
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  insert <col> <document>")
		fmt.Println("  read <page>:<index>")
		fmt.Println("  delete <col> <page>:<index>")
		fmt.Println("  checkpoint")
		fmt.Println("  stats")
		fmt.Println("  backup <path>")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	reply, err := client.Do(ctx, line)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return true
	}
	if reply.OK() {
		fmt.Println(reply.Message)
	} else {
		fmt.Printf("%s: %s\n", reply.Status, reply.Message)
	}
	return true
}

func main() {
	addr := flag.String("addr", "localhost:9090", "server address")
	tlsDir := flag.String("tls-dir", "", "directory with ca.crt, client.crt and client.key; enables mutual TLS")
	flag.Parse()

	pools := connection.NewPoolManager(1, 5*time.Second)
	defer pools.Close()
	if *tlsDir != "" {
		host, _, err := net.SplitHostPort(*addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gojodoc_cli: bad address %q: %v\n", *addr, err)
			os.Exit(1)
		}
		cfg, err := certs.ClientConfig(*tlsDir, host)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gojodoc_cli: %v\n", err)
			os.Exit(1)
		}
		pools.UseTLS(cfg)
	}
	client := connection.NewClient(pools, *addr)

	if args := flag.Args(); len(args) > 0 {
		processCommand(client, strings.Join(args, " "))
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojodoc> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("insert"),
			readline.PcItem("read"),
			readline.PcItem("delete"),
			readline.PcItem("checkpoint"),
			readline.PcItem("stats"),
			readline.PcItem("backup"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gojodoc_cli: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("GoJoDoc CLI connected to %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", *addr)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !processCommand(client, strings.TrimSpace(line)) {
			return
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + string(os.PathSeparator) + ".gojodoc_history"
}
