package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelstream/mcp-resume-go/client"
	"github.com/modelstream/mcp-resume-go/client/clientstate"
)

var tailFlags struct {
	endpoint  string
	token     string
	stateFile string
	logLevel  string
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a session's notification stream",
	Long: `tail connects to a transport server and prints every server-originated
notification as a JSON line. With --state-file the session checkpoint survives
restarts: a relaunched tail resumes where the previous run stopped and misses
nothing the server still buffers.`,
	RunE: runTail,
}

func init() {
	f := tailCmd.Flags()
	f.StringVar(&tailFlags.endpoint, "endpoint", "http://localhost:8080/mcp", "transport endpoint URL")
	f.StringVar(&tailFlags.token, "token", "", "bearer token sent with every request")
	f.StringVar(&tailFlags.stateFile, "state-file", "", "path for the persisted session checkpoint (default: in-memory)")
	f.StringVar(&tailFlags.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger(tailFlags.logLevel)

	opts := []client.Option{
		client.WithLogger(log),
	}
	if tailFlags.token != "" {
		opts = append(opts, client.WithBearerToken(tailFlags.token))
	}
	if tailFlags.stateFile != "" {
		state, err := clientstate.NewFileStore(tailFlags.stateFile, log)
		if err != nil {
			return fmt.Errorf("open state file: %w", err)
		}
		defer state.Close()
		opts = append(opts, client.WithStateStore(state))
	}

	c, err := client.New(tailFlags.endpoint, opts...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	err = c.Listen(ctx, func(ctx context.Context, method string, params json.RawMessage) {
		line := struct {
			Time   time.Time       `json:"time"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}{Time: time.Now().UTC(), Method: method, Params: params}
		if err := enc.Encode(line); err != nil {
			log.Warn("tail.encode.fail", "err", err.Error())
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
