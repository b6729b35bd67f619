// ABOUTME: The init command: interactive wizard that writes a TOML config file
// ABOUTME: Secrets may be entered as ${VAR} references to keep them out of the file

package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-relay configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg, err := askConfig(reader, out)
	if err != nil {
		return err
	}

	data, err := encodeConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	if cfg.CRM.Enabled {
		fmt.Fprintln(out, "\nAuthorize amoCRM once with the code from the integration page:")
		fmt.Fprintf(out, "  coven-relay --config %s crm auth CODE\n", outputFile)
	}
	fmt.Fprintln(out, "\nTo start the relay:")
	fmt.Fprintf(out, "  coven-relay --config %s run\n", outputFile)
	return nil
}

// askConfig walks the operator through the sections and returns the result.
func askConfig(reader *bufio.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.Default()

	fmt.Fprintln(out, "\n--- Transport ---")
	cfg.Transport.Kind = prompt(reader, out, "Transport (telegram/matrix)", config.TransportTelegram)
	switch cfg.Transport.Kind {
	case config.TransportTelegram:
		cfg.Transport.Telegram.Token = prompt(reader, out, "Bot token", "${TELEGRAM_BOT_TOKEN}")
	case config.TransportMatrix:
		m := &cfg.Transport.Matrix
		m.Homeserver = prompt(reader, out, "Homeserver URL", "https://matrix.org")
		m.Username = prompt(reader, out, "Username", "")
		m.Password = prompt(reader, out, "Password", "${MATRIX_PASSWORD}")
		m.RecoveryKey = prompt(reader, out, "Recovery key (optional)", "")
		if rooms := prompt(reader, out, "Allowed rooms, comma separated (empty for all)", ""); rooms != "" {
			m.AllowedRooms = splitList(rooms)
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}

	fmt.Fprintln(out, "\n--- AI ---")
	cfg.AI.Token = prompt(reader, out, "DeepSeek token", "${DEEPSEEK_TOKEN}")
	cfg.AI.SystemPrompt = prompt(reader, out, "System prompt (optional)", "")

	fmt.Fprintln(out, "\n--- Relay ---")
	var err error
	if cfg.Relay.Debounce, err = askDuration(reader, out, "Debounce", cfg.Relay.Debounce); err != nil {
		return nil, err
	}
	if cfg.Relay.Inactivity, err = askDuration(reader, out, "Inactivity nudge after", cfg.Relay.Inactivity); err != nil {
		return nil, err
	}
	cfg.Relay.PrivateOnly = yes(prompt(reader, out, "Private chats only?", "no"))

	fmt.Fprintln(out, "\n--- amoCRM ---")
	cfg.CRM.Enabled = yes(prompt(reader, out, "Enable amoCRM?", "no"))
	if cfg.CRM.Enabled {
		cfg.CRM.Subdomain = prompt(reader, out, "Subdomain", "")
		cfg.CRM.ClientID = prompt(reader, out, "Integration client ID", "")
		cfg.CRM.ClientSecret = prompt(reader, out, "Integration client secret", "${AMOCRM_CLIENT_SECRET}")
		cfg.CRM.RedirectURL = prompt(reader, out, "Redirect URL", "")
		pipeline := prompt(reader, out, "Pipeline ID", "")
		if cfg.CRM.PipelineID, err = strconv.ParseInt(pipeline, 10, 64); err != nil {
			return nil, fmt.Errorf("pipeline id %q: %w", pipeline, err)
		}
	}

	fmt.Fprintln(out, "\n--- Storage & Logging ---")
	cfg.Storage.DataDir = prompt(reader, out, "Data directory", config.DefaultDataDir())
	cfg.Logging.Level = prompt(reader, out, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, out, "Log format (text/json)", cfg.Logging.Format)

	return &cfg, nil
}

func encodeConfig(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# coven-relay configuration\n")
	buf.WriteString("# Generated by coven-relay init\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

func askDuration(reader *bufio.Reader, out io.Writer, question string, def config.Duration) (config.Duration, error) {
	answer := prompt(reader, out, question, def.String())
	var d config.Duration
	if err := d.UnmarshalText([]byte(answer)); err != nil {
		return 0, err
	}
	return d, nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func splitList(s string) []string {
	var items []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
