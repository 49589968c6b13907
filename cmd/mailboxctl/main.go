// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/mailbox/lib/version"
	"github.com/bureau-foundation/mailbox/mailbox"
	"github.com/bureau-foundation/mailbox/reply"
	"github.com/bureau-foundation/mailbox/router"
	"github.com/bureau-foundation/mailbox/transport"
	"github.com/bureau-foundation/mailbox/transport/zmq"
)

const defaultAddress = "unix:///run/forge-mailbox/mailbox.sock"

// maxStdinPayload bounds a payload read from stdin.
const maxStdinPayload = 1024 * 1024

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, term.IsTerminal(int(os.Stdout.Fd()))))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer, pretty bool) int {
	var (
		address     string
		timeout     time.Duration
		showVersion bool
	)

	flags := pflag.NewFlagSet("mailboxctl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVarP(&address, "address", "a", defaultAddress, "bridge address (unix:///path, tcp://host:port, zmq+tcp://host:port)")
	flags.DurationVarP(&timeout, "timeout", "t", 10*time.Second, "request timeout")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: mailboxctl [flags] <put|consume|peek|count> <user> [payload]\n\nflags:\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "mailboxctl %s\n", version.Info())
		return 0
	}

	if err := call(flags.Args(), address, timeout, stdin, stdout, pretty); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// errReplyFailed marks an error envelope that has already been printed.
var errReplyFailed = errors.New("request failed")

func call(args []string, address string, timeout time.Duration, stdin io.Reader, stdout io.Writer, pretty bool) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("expected <operation> <user> [payload], got %d arguments", len(args))
	}
	op, err := router.ParseOperation(args[0])
	if err != nil {
		return err
	}
	key, err := router.Key(args[1], op)
	if err != nil {
		return err
	}

	var payload []byte
	switch {
	case op != mailbox.OpPut:
		if len(args) == 3 {
			return fmt.Errorf("%s takes no payload", op)
		}
	case len(args) == 3 && args[2] != "-":
		payload = []byte(args[2])
	default:
		payload, err = io.ReadAll(io.LimitReader(stdin, maxStdinPayload+1))
		if err != nil {
			return fmt.Errorf("reading payload from stdin: %w", err)
		}
		if len(payload) > maxStdinPayload {
			return fmt.Errorf("payload exceeds %d bytes", maxStdinPayload)
		}
	}

	caller, err := dial(address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	data, err := caller.Call(ctx, key, payload)
	if err != nil {
		return fmt.Errorf("calling %s: %w", address, err)
	}

	envelope, decodeErr := reply.Decode(data)
	if err := printReply(stdout, data, pretty); err != nil {
		return err
	}
	if decodeErr != nil {
		return fmt.Errorf("malformed reply: %w", decodeErr)
	}
	if envelope.Status == reply.StatusError {
		return fmt.Errorf("%w: %s", errReplyFailed, envelope.Reason)
	}
	return nil
}

// dial returns a caller for address.
func dial(address string) (transport.Caller, error) {
	if endpoint, ok := strings.CutPrefix(address, "zmq+"); ok {
		return zmq.NewClient(endpoint), nil
	}
	return transport.DialAddress(address)
}

func printReply(stdout io.Writer, data []byte, pretty bool) error {
	if pretty {
		var indented bytes.Buffer
		if json.Indent(&indented, data, "", "  ") == nil {
			data = indented.Bytes()
		}
	}
	if _, err := stdout.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(stdout, "\n")
	return err
}
