package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/control"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "usage: loqa-signctl <start|stop|toggle|space|status|validate|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case protocol.ActionStart, protocol.ActionStop, protocol.ActionToggle, protocol.ActionSpace, protocol.ActionStatus:
		os.Exit(runAction(cmd, os.Args[2:]))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
}

func runAction(action string, args []string) int {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	server := fs.String("server", nats.DefaultURL, "NATS server URL(s), comma separated")
	timeout := fs.Duration("timeout", 15*time.Second, "Request timeout")
	user := fs.String("user", "", "User ID recorded with history (start only)")
	from := fs.String("from", "", "Source sign language (start only)")
	to := fs.String("to", "", "Target language (start only)")
	_ = fs.Parse(args)

	conn, err := nats.Connect(*server, nats.Name("loqa-signctl"), nats.Timeout(*timeout))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to %s: %v\n", *server, err)
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply, err := control.Request(ctx, conn, action, protocol.ControlRequest{
		UserID:         *user,
		SourceLanguage: *from,
		TargetLanguage: *to,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
	if !reply.OK {
		return 1
	}
	if len(reply.Transcript) > 0 || reply.Word != "" {
		fmt.Println(strings.TrimSpace(strings.Join(append(reply.Transcript, reply.Word), " ")))
	}
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("file", "loqa-sign.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	if _, err := config.Load(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("config valid")
	return 0
}
