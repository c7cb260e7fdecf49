// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Bobsans/VibeMQ-sub000/internal/client"
	"github.com/Bobsans/VibeMQ-sub000/internal/config"
	"github.com/Bobsans/VibeMQ-sub000/internal/protocol"
	"github.com/Bobsans/VibeMQ-sub000/internal/queue"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "publish":
		err = cmdPublish(os.Args[2:])
	case "subscribe":
		err = cmdSubscribe(os.Args[2:])
	case "queue":
		err = cmdQueue(os.Args[2:])
	case "dlq":
		err = cmdDlq(os.Args[2:])
	case "ping":
		err = cmdPing(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `vibemq — client CLI for the VibeMQ broker

Usage:
  vibemq publish   -queue <name> (-message <text> | -file <path>) [options]
  vibemq subscribe -queue <name> [-count N] [-raw]
  vibemq queue     create|delete|info|list [options]
  vibemq dlq       list|replay [options]
  vibemq ping

Connection flags (every command):
  -config <path>     client config YAML
  -server <addr>     broker address, overrides config
  -token <token>     auth token, overrides config
  -client-id <id>    client id presented on connect

Run 'vibemq <command> -h' for command flags.
`)
}

// commonFlags são as flags de conexão compartilhadas pelos subcomandos.
// Flags sobrepõem o arquivo de config; sem arquivo, valem os defaults.
type commonFlags struct {
	config   string
	server   string
	token    string
	clientID string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.config, "config", "", "path to client config file")
	fs.StringVar(&cf.server, "server", "", "broker address (host:port), overrides config")
	fs.StringVar(&cf.token, "token", "", "auth token, overrides config")
	fs.StringVar(&cf.clientID, "client-id", "", "client id presented on connect")
	return cf
}

func (cf *commonFlags) load() (*config.ClientConfig, error) {
	cfg := &config.ClientConfig{}
	if cf.config != "" {
		loaded, err := config.LoadClientConfig(cf.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cf.server != "" {
		cfg.Server.Address = cf.server
	}
	if cf.token != "" {
		cfg.Auth.Token = cf.token
	}
	if cf.clientID != "" {
		cfg.ClientID = cf.clientID
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "localhost:8080"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dial conecta com logs no stderr: stdout é reservado para os dados.
func (cf *commonFlags) dial() (*client.Client, *config.ClientConfig, error) {
	cfg, err := cf.load()
	if err != nil {
		return nil, nil, err
	}

	lvl := slog.LevelWarn
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timing.HandshakeTimeout)
	defer cancel()
	cli, err := client.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return cli, cfg, nil
}

// headerFlags coleta -header key=value repetíveis.
type headerFlags struct {
	m map[string]string
}

func (h *headerFlags) String() string { return "" }

func (h *headerFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("header %q: want key=value", v)
	}
	if h.m == nil {
		h.m = make(map[string]string)
	}
	h.m[k] = val
	return nil
}

func parsePriority(s string) (protocol.Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return protocol.PriorityLow, nil
	case "normal":
		return protocol.PriorityNormal, nil
	case "high":
		return protocol.PriorityHigh, nil
	case "critical":
		return protocol.PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (want low, normal, high or critical)", s)
	}
}

func readPayload(message, file string) ([]byte, error) {
	switch {
	case message != "" && file != "":
		return nil, errors.New("-message and -file are mutually exclusive")
	case message != "":
		return []byte(message), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, errors.New("need -message or -file ('-' reads stdin)")
	}
}

func cmdPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	cf := addCommonFlags(fs)
	queueName := fs.String("queue", "", "target queue (required)")
	message := fs.String("message", "", "payload as a literal string")
	file := fs.String("file", "", "read payload from file ('-' for stdin)")
	priority := fs.String("priority", "", "message priority: low, normal, high or critical")
	ttl := fs.Duration("ttl", 0, "message TTL (e.g. 30s, 5m); 0 = queue default")
	headers := &headerFlags{}
	fs.Var(headers, "header", "extra header key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *queueName == "" {
		return errors.New("publish: -queue is required")
	}

	payload, err := readPayload(*message, *file)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	opts := &client.PublishOptions{
		Priority: protocol.PriorityNormal,
		TTL:      *ttl,
		Headers:  headers.m,
	}
	if *priority != "" {
		p, err := parsePriority(*priority)
		if err != nil {
			return err
		}
		opts.Priority = p
	}

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	id, err := cli.Publish(context.Background(), *queueName, payload, opts)
	if err != nil {
		return err
	}
	fmt.Printf("published %s to %s (%d bytes)\n", id, *queueName, len(payload))
	return nil
}

func cmdSubscribe(args []string) error {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	cf := addCommonFlags(fs)
	queueName := fs.String("queue", "", "queue to consume (required)")
	count := fs.Int("count", 0, "exit after N messages (0 = run until interrupted)")
	raw := fs.Bool("raw", false, "print only the payload, one message per line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *queueName == "" {
		return errors.New("subscribe: -queue is required")
	}

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// O worker da subscription é uma goroutine só: seen não precisa de lock
	seen := 0
	done := make(chan struct{})
	sub, err := cli.Subscribe(ctx, *queueName, func(ctx context.Context, d *client.Delivery) error {
		if *raw {
			fmt.Printf("%s\n", d.Payload)
		} else {
			line, _ := json.Marshal(map[string]any{
				"id":          d.ID,
				"queue":       d.Queue,
				"priority":    d.Priority.String(),
				"attempts":    d.Attempts,
				"publishedAt": d.PublishedAt.Format(time.RFC3339Nano),
				"headers":     d.Headers,
				"payload":     string(d.Payload),
			})
			fmt.Println(string(line))
		}
		seen++
		if *count > 0 && seen == *count {
			close(done)
		}
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	return sub.Close()
}

func cmdQueue(args []string) error {
	if len(args) < 1 {
		return errors.New("queue: want create, delete, info or list")
	}
	switch args[0] {
	case "create":
		return cmdQueueCreate(args[1:])
	case "delete":
		return cmdQueueDelete(args[1:])
	case "info":
		return cmdQueueInfo(args[1:])
	case "list":
		return cmdQueueList(args[1:])
	default:
		return fmt.Errorf("queue: unknown subcommand %q", args[0])
	}
}

func cmdQueueCreate(args []string) error {
	fs := flag.NewFlagSet("queue create", flag.ExitOnError)
	cf := addCommonFlags(fs)
	name := fs.String("name", "", "queue name (required)")
	mode := fs.String("mode", "", "delivery mode: round-robin, fanout-ack, fanout-noack or priority")
	maxSize := fs.Int("max-size", 0, "pending message cap (0 = broker default)")
	overflow := fs.String("overflow", "", "overflow strategy: drop-oldest, drop-newest, block or redirect-dlq")
	ttl := fs.Duration("ttl", 0, "message TTL for the queue (0 = no TTL)")
	dlq := fs.Bool("dlq", false, "enable the dead letter queue")
	retries := fs.Int("max-retries", 0, "delivery attempts before dead-lettering")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("queue create: -name is required")
	}

	opts := &client.QueueOptions{MaxSize: *maxSize, TTL: *ttl}
	if *mode != "" {
		m, err := queue.ParseDeliveryMode(*mode)
		if err != nil {
			return err
		}
		opts.Mode = m
	}
	if *overflow != "" {
		o, err := queue.ParseOverflowStrategy(*overflow)
		if err != nil {
			return err
		}
		opts.Overflow = o
	}
	// Só manda o que o usuário pediu; o resto herda os defaults do broker
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dlq":
			opts.DlqEnabled = dlq
		case "max-retries":
			opts.MaxRetries = retries
		}
	})

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	if err := cli.QueueCreate(context.Background(), *name, opts); err != nil {
		return err
	}
	fmt.Printf("queue %s created\n", *name)
	return nil
}

func cmdQueueDelete(args []string) error {
	fs := flag.NewFlagSet("queue delete", flag.ExitOnError)
	cf := addCommonFlags(fs)
	name := fs.String("name", "", "queue name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("queue delete: -name is required")
	}

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	if err := cli.QueueDelete(context.Background(), *name); err != nil {
		return err
	}
	fmt.Printf("queue %s deleted\n", *name)
	return nil
}

func cmdQueueInfo(args []string) error {
	fs := flag.NewFlagSet("queue info", flag.ExitOnError)
	cf := addCommonFlags(fs)
	name := fs.String("name", "", "queue name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("queue info: -name is required")
	}

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	info, err := cli.QueueInfo(context.Background(), *name)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdQueueList(args []string) error {
	fs := flag.NewFlagSet("queue list", flag.ExitOnError)
	cf := addCommonFlags(fs)
	asJSON := fs.Bool("json", false, "print the full snapshots as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	infos, err := cli.QueuesList(context.Background())
	if err != nil {
		return err
	}

	if *asJSON {
		out, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMODE\tPENDING\tIN-FLIGHT\tSUBS\tMAX\tPUBLISHED\tDEAD-LETTERED")
	for _, q := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			q.Name, q.Mode, q.Pending, q.InFlight, q.Subscribers, q.MaxSize, q.Published, q.DeadLettered)
	}
	return w.Flush()
}

func cmdDlq(args []string) error {
	if len(args) < 1 {
		return errors.New("dlq: want list or replay")
	}
	switch args[0] {
	case "list":
		return cmdDlqList(args[1:])
	case "replay":
		return cmdDlqReplay(args[1:])
	default:
		return fmt.Errorf("dlq: unknown subcommand %q", args[0])
	}
}

func dlqFilterFlags(fs *flag.FlagSet) (queueName, reason *string, limit *int) {
	queueName = fs.String("queue", "", "filter by origin queue")
	reason = fs.String("reason", "", "filter by failure reason (MaxRetriesExceeded, TtlExpired, ...)")
	limit = fs.Int("limit", 0, "cap the number of entries (0 = no cap)")
	return
}

func buildDlqFilter(queueName, reason string, limit int) (client.DlqFilter, error) {
	filter := client.DlqFilter{Queue: queueName, Limit: limit}
	if reason != "" {
		r, err := queue.ParseFailReason(reason)
		if err != nil {
			return client.DlqFilter{}, err
		}
		filter.Reason = r
	}
	return filter, nil
}

func cmdDlqList(args []string) error {
	fs := flag.NewFlagSet("dlq list", flag.ExitOnError)
	cf := addCommonFlags(fs)
	queueName, reason, limit := dlqFilterFlags(fs)
	asJSON := fs.Bool("json", false, "print the full entries as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter, err := buildDlqFilter(*queueName, *reason, *limit)
	if err != nil {
		return err
	}

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	entries, err := cli.DlqList(context.Background(), filter)
	if err != nil {
		return err
	}

	if *asJSON {
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE\tREASON\tATTEMPTS\tFAILED-AT")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.Queue, e.Reason, e.DeliveryAttempts, e.FailedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func cmdDlqReplay(args []string) error {
	fs := flag.NewFlagSet("dlq replay", flag.ExitOnError)
	cf := addCommonFlags(fs)
	queueName, reason, limit := dlqFilterFlags(fs)
	target := fs.String("target", "", "replay into this queue instead of the origin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	filter, err := buildDlqFilter(*queueName, *reason, *limit)
	if err != nil {
		return err
	}

	cli, _, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	n, err := cli.DlqReplay(context.Background(), filter, *target)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d message(s)\n", n)
	return nil
}

func cmdPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	cf := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cli, cfg, err := cf.dial()
	if err != nil {
		return err
	}
	defer cli.Close()

	rtt, err := cli.Ping(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("pong from %s in %s\n", cfg.Server.Address, rtt)
	return nil
}
