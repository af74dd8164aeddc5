// agentwire-ping sends a single request to a target agent over the
// configured AMQP broker and prints the response. Useful as a liveness
// probe for deployed agents and as a smoke test for broker wiring.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	agentwire "github.com/agentwire/agentwire-go"
	"github.com/agentwire/agentwire-go/config"
	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/protocol"
	"github.com/agentwire/agentwire-go/secure"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		agentID    string
		brokerURL  string
		target     string
		method     string
		payload    string
		timeout    time.Duration
		encrypted  bool
		verbose    bool
	)

	flagSet := pflag.NewFlagSet("agentwire-ping", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&agentID, "agent", "", "sender agent id (overrides config)")
	flagSet.StringVar(&brokerURL, "broker", "", "AMQP broker URL (overrides config)")
	flagSet.StringVarP(&target, "target", "t", "", "target agent id (required)")
	flagSet.StringVarP(&method, "method", "m", "ping", "request method")
	flagSet.StringVar(&payload, "params", "{}", "request params as JSON")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the response")
	flagSet.BoolVar(&encrypted, "encrypted", false, "negotiate a session and encrypt the request")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if target == "" {
		flagSet.Usage()
		return fmt.Errorf("--target is required")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if agentID != "" {
		cfg.AgentID = agentID
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "agentwire-ping"
	}
	if brokerURL != "" {
		cfg.BrokerURL = brokerURL
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var params json.RawMessage
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return fmt.Errorf("parse --params: %w", err)
	}

	client, err := agentwire.NewClient(cfg, agentwire.WithLogger(logger))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()

	var sendOpts []protocol.SendOption
	if encrypted {
		neg, err := client.NegotiateProtocol(target, cfg.ProtocolVersion, secure.Capabilities{
			Encryption:     true,
			Authentication: true,
		})
		if err != nil {
			return fmt.Errorf("negotiate with %s: %w", target, err)
		}
		logger.Debug("session negotiated", "sessionId", neg.SessionID)
		sendOpts = append(sendOpts, protocol.WithSession(neg.SessionID))
	}

	req, err := contracts.NewEnvelope(cfg.AgentID, target, &contracts.Request{
		Method: method,
		Params: params,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := client.SendRequest(ctx, req, protocol.Route{To: target}, sendOpts...)
	if err != nil {
		return fmt.Errorf("request %s to %s: %w", method, target, err)
	}
	elapsed := time.Since(start)

	body, err := resp.DecodeBody()
	if err != nil {
		return err
	}
	response, ok := body.(*contracts.Response)
	if !ok {
		return fmt.Errorf("unexpected reply kind %q", resp.Kind)
	}

	fmt.Printf("response from %s in %s (status %s)\n", resp.From, elapsed.Round(time.Millisecond), response.Status)
	if response.Status == contracts.StatusError && response.Error != nil {
		return response.Error.AsError()
	}
	if len(response.Result) > 0 {
		out, err := json.MarshalIndent(json.RawMessage(response.Result), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}
	return nil
}
