package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/hooks"
	"github.com/loqalabs/hotline/internal/listener"
	"github.com/loqalabs/hotline/internal/protocol"
)

var (
	socketPath string
	busURL     string
	timeout    time.Duration

	profile  string
	model    string
	language string
	prompt   string
	pipeTo   string
	vad      string
)

var rootCmd = &cobra.Command{
	Use:           "hotline",
	Short:         "Control the hotline transcription daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a transcription session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		args, err := startArgs(cmd)
		if err != nil {
			return err
		}
		return send(protocol.StartCommand(args))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active transcription session",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return send(protocol.StopCommand())
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Start a session, or stop the active one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		args, err := startArgs(cmd)
		if err != nil {
			return err
		}
		return send(protocol.ToggleCommand(args))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath(), "Daemon command socket")
	rootCmd.PersistentFlags().StringVar(&busURL, "bus", "", "Send the command over NATS at this URL instead of the socket")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the daemon's reply")

	for _, c := range []*cobra.Command{startCmd, toggleCmd} {
		c.Flags().StringVar(&profile, "profile", "", "Named profile from the daemon configuration")
		c.Flags().StringVar(&model, "model", "", "Transcription model")
		c.Flags().StringVar(&language, "language", "", "Spoken language (ISO-639-1)")
		c.Flags().StringVar(&prompt, "prompt", "", "Prompt biasing the transcription")
		c.Flags().StringVar(&pipeTo, "pipe-to", "", "Command receiving each completed transcript on stdin")
		c.Flags().StringVar(&vad, "vad", "", "Turn detection: server or semantic")
	}
	rootCmd.AddCommand(startCmd, stopCmd, toggleCmd)
}

func startArgs(cmd *cobra.Command) (protocol.StartArgs, error) {
	var args protocol.StartArgs
	flags := cmd.Flags()
	if flags.Changed("profile") {
		args.Profile = protocol.StringPtr(profile)
	}
	if flags.Changed("model") {
		args.Model = protocol.StringPtr(model)
	}
	if flags.Changed("language") {
		args.Language = protocol.StringPtr(language)
	}
	if flags.Changed("prompt") {
		args.Prompt = protocol.StringPtr(prompt)
	}
	if flags.Changed("pipe-to") {
		spec, err := hooks.ParseCommand(pipeTo)
		if err != nil {
			return args, fmt.Errorf("--pipe-to: %w", err)
		}
		args.Command = &spec
	}
	switch vad {
	case "":
	case "server":
		args.VadConfig = &protocol.VadConfig{Server: &protocol.ServerVad{}}
	case "semantic":
		args.VadConfig = &protocol.VadConfig{Semantic: &protocol.SemanticVad{}}
	default:
		return args, fmt.Errorf("--vad must be server or semantic, got %q", vad)
	}
	return args, nil
}

func send(cmd protocol.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		reply protocol.Reply
		err   error
	)
	if busURL != "" {
		reply, err = sendBus(cmd)
	} else {
		reply, err = listener.Send(ctx, socketPath, cmd)
	}
	if err != nil {
		return err
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return reply.Err()
}

func sendBus(cmd protocol.Command) (protocol.Reply, error) {
	conn, err := nats.Connect(busURL, nats.Name("hotline-cli"), nats.Timeout(timeout))
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()
	return listener.Request(conn, cmd, timeout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hotline:", err)
		os.Exit(1)
	}
}
