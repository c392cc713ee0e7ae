package cli

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/ipsix/tailwatch/internal/alerting"
	"github.com/ipsix/tailwatch/internal/config"
	"github.com/ipsix/tailwatch/internal/monitor"
)

const (
	DefaultAddr = "http://127.0.0.1:8789"
	TokenEnv    = "TAILWATCH_TOKEN"
)

// Run executes one ctl command and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", DefaultAddr, "API base URL")
	token := fs.String("token", "", "API token (or set "+TokenEnv+")")
	tier := fs.String("tier", "", "Tier filter for alerts (advisory|warning|critical)")
	since := fs.String("since", "", "RFC3339 lower bound for history")
	limit := fs.Int("limit", 0, "Maximum history entries (0 uses the server default)")
	raw := fs.Bool("json", false, "Print raw JSON instead of tables")
	configPath := fs.String("config", "", "Config path for validate")
	envFile := fs.String("env-file", "", "Env file to load before validate")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	cmd := fs.Arg(0)

	if cmd == "validate" {
		if err := runValidate(*configPath, *envFile); err != nil {
			fmt.Fprintln(stderr, "ctl error: "+err.Error())
			return 1
		}
		fmt.Fprintln(stdout, `{"status":"ok"}`)
		return 0
	}

	if *token == "" {
		*token = os.Getenv(TokenEnv)
	}
	if *token == "" {
		fmt.Fprintln(stderr, "ctl error: token is required (use -token or "+TokenEnv+")")
		return 1
	}
	client := NewClient(*addr, *token)

	var err error
	switch cmd {
	case "status":
		err = status(ctx, client, stdout, *raw)
	case "health":
		err = passthrough(ctx, client, stdout, "/health", nil)
	case "alerts":
		q := url.Values{}
		if *tier != "" {
			q.Set("tier", *tier)
		}
		err = alerts(ctx, client, stdout, "/alerts", q, *raw)
	case "devices":
		err = pretty(ctx, client, stdout, "/alerts/devices", nil)
	case "history":
		q := url.Values{}
		if *since != "" {
			q.Set("since", *since)
		}
		if *limit > 0 {
			q.Set("limit", strconv.Itoa(*limit))
		}
		err = alerts(ctx, client, stdout, "/alerts/history", q, *raw)
	case "metrics":
		err = passthrough(ctx, client, stdout, "/metrics", nil)
	default:
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, "ctl error: "+err.Error())
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	lines := []string{
		"Usage: tailwatch ctl [flags] <command>",
		"",
		"Commands:",
		"  status     monitor state, band sizes and channels",
		"  health",
		"  alerts     recent alerts held in memory (-tier)",
		"  devices    latest alert per device",
		"  history    journaled alerts (-since, -limit); needs storage",
		"  metrics    Prometheus exposition",
		"  validate   load and validate a config (-config, -env-file)",
		"",
		"Flags:",
		"  -addr " + DefaultAddr,
		"  -token <token> (or " + TokenEnv + ")",
		"  -json (print raw JSON)",
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func passthrough(ctx context.Context, c *Client, w io.Writer, path string, q url.Values) error {
	body, err := c.Get(ctx, path, q)
	if err != nil {
		return err
	}
	_, _ = w.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		_, _ = io.WriteString(w, "\n")
	}
	return nil
}

type statusView struct {
	monitor.Status
	Channels []string `json:"channels"`
}

func status(ctx context.Context, c *Client, w io.Writer, raw bool) error {
	if raw {
		return pretty(ctx, c, w, "/status", nil)
	}
	var s statusView
	if err := c.GetJSON(ctx, "/status", nil, &s); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "state\t%s\n", s.State)
	fmt.Fprintf(tw, "store\t%s\n", s.Store)
	fmt.Fprintf(tw, "ticks\t%d\n", s.Ticks)
	fmt.Fprintf(tw, "rotations\t%d\n", s.Rotations)
	fmt.Fprintf(tw, "alerts\t%d\n", s.Alerts)
	if !s.LastTick.IsZero() {
		fmt.Fprintf(tw, "last tick\t%s\n", s.LastTick.Format(time.RFC3339))
	}
	if s.ReconnectPending {
		fmt.Fprintf(tw, "reconnect\tpending\n")
	}
	if s.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", s.LastError)
	}
	fmt.Fprintf(tw, "ignored\t%d macs, %d ssids\n", s.IgnoredMACs, s.IgnoredSSIDs)
	fmt.Fprintf(tw, "channels\t%s\n", strings.Join(s.Channels, ", "))
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "BAND\tMACS\tSSIDS")
	for _, b := range s.Bands {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", b.Band, b.IDs, b.Names)
	}
	return tw.Flush()
}

func alerts(ctx context.Context, c *Client, w io.Writer, path string, q url.Values, raw bool) error {
	if raw {
		return pretty(ctx, c, w, path, q)
	}
	var list []alerting.Alert
	if err := c.GetJSON(ctx, path, q, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no alerts")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTIER\tDEVICE\tKIND\tPROBING")
	for _, a := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			a.Timestamp.Local().Format("2006-01-02 15:04:05"), a.Tier.Label(), a.Identifier, a.Kind, a.ProbedName)
	}
	return tw.Flush()
}

func pretty(ctx context.Context, c *Client, w io.Writer, path string, q url.Values) error {
	body, err := c.Get(ctx, path, q)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, bytes.TrimSpace(body), "", "  "); err != nil {
		_, _ = w.Write(body)
		return nil
	}
	out.WriteByte('\n')
	_, err = w.Write(out.Bytes())
	return err
}

func runValidate(configPath, envFile string) error {
	restore, err := loadEnvFile(envFile)
	if err != nil {
		return err
	}
	defer restore()

	_, err = config.Load(configPath)
	return err
}

// loadEnvFile applies KEY=VALUE lines to the environment and returns a
// function restoring the previous values.
func loadEnvFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	previous := map[string]*string{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if _, seen := previous[key]; !seen {
			if existing, ok := os.LookupEnv(key); ok {
				prior := existing
				previous[key] = &prior
			} else {
				previous[key] = nil
			}
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(value), `"`))
	}
	return func() {
		for key, value := range previous {
			if value == nil {
				_ = os.Unsetenv(key)
				continue
			}
			_ = os.Setenv(key, *value)
		}
	}, nil
}
