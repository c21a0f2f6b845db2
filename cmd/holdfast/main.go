package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"holdfast/internal/holdfast"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config string `help:"Path to holdfast.yaml." env:"HOLDFAST_CONFIG" default:"/holdfast.yaml" type:"path"`
}

// CLI is the top-level command structure for holdfast.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version." short:"V"`
	Serve   ServeCmd         `cmd:"" default:"1" help:"Run the offline proxy."`
	Drain   DrainCmd         `cmd:"" help:"Ask a running proxy to replay its queue now."`
	Queue   QueueCmd         `cmd:"" help:"List the mutations a running proxy has queued."`
}

// ServeCmd runs the proxy until SIGINT or SIGTERM.
type ServeCmd struct{}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := holdfast.LoadConfig(g.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc, err := holdfast.NewService(cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("holdfast listening on %s, origin=%s, generation=%s", addr, cfg.Server.Origin, cfg.Generation())
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	// Install failures keep the previous generation serving.
	_ = svc.Start(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// DrainCmd is the manual trigger from the command line.
type DrainCmd struct {
	Addr    string        `help:"Base URL of the running proxy (defaults to server.self)."`
	Timeout time.Duration `help:"How long to wait for the drain." default:"2m"`
}

func (c *DrainCmd) Run(g *Globals) error {
	base, err := adminBase(g, c.Addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	var res holdfast.DrainResult
	if err := adminCall(ctx, http.MethodPost, base+"sync", &res); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	printDrainResult(os.Stdout, res)
	return nil
}

// QueueCmd prints pending (or dead) entries.
type QueueCmd struct {
	Addr  string `help:"Base URL of the running proxy (defaults to server.self)."`
	Dead  bool   `help:"List dead letters instead of pending entries."`
	Limit int    `help:"Show at most this many entries (0 for all)." default:"0"`
	JSON  bool   `name:"json" help:"Print JSON lines even if stdout is a TTY."`
}

// queueRow is the subset of the admin queue view the CLI prints.
type queueRow struct {
	Key        string `json:"key"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	EnqueuedAt int64  `json:"enqueuedAt"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"lastError,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (c *QueueCmd) Run(g *Globals) error {
	base, err := adminBase(g, c.Addr)
	if err != nil {
		return err
	}
	target := fmt.Sprintf("%squeue?limit=%d", base, c.Limit)
	if c.Dead {
		target += "&dead=1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rows []queueRow
	if err := adminCall(ctx, http.MethodGet, target, &rows); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.JSON || !isTerminal(os.Stdout) {
		return printJSONLines(os.Stdout, rows)
	}
	fmt.Fprintln(os.Stdout, renderQueueTable(rows, c.Dead))
	return nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// adminBase resolves the admin endpoint root of a running proxy.
func adminBase(g *Globals, addr string) (string, error) {
	if addr == "" {
		cfg, err := holdfast.LoadConfig(g.Config)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		addr = cfg.Server.Self
	}
	return strings.TrimRight(addr, "/") + "/__holdfast/", nil
}

func adminCall(ctx context.Context, method, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func printDrainResult(w io.Writer, res holdfast.DrainResult) {
	if res.Coalesced {
		fmt.Fprintln(w, "a drain was already running; it will run once more")
		return
	}
	fmt.Fprintf(w, "replayed %d, retained %d, expired %d (%d cycles)\n", res.Replayed, res.Retained, res.Expired, res.Cycles)
}

func printJSONLines(w io.Writer, rows []queueRow) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "245"})
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

func renderQueueTable(rows []queueRow, dead bool) string {
	if len(rows) == 0 {
		if dead {
			return dimStyle.Render("no dead letters")
		}
		return dimStyle.Render("queue is empty")
	}

	last := "LAST ERROR"
	if dead {
		last = "REASON"
	}
	cols := [][]string{{"KEY"}, {"METHOD"}, {"URL"}, {"QUEUED"}, {"TRIES"}, {last}}
	for _, r := range rows {
		note := r.LastError
		if dead {
			note = r.Reason
		}
		cols[0] = append(cols[0], r.Key)
		cols[1] = append(cols[1], r.Method)
		cols[2] = append(cols[2], r.URL)
		cols[3] = append(cols[3], time.Unix(0, r.EnqueuedAt).Format(time.DateTime))
		cols[4] = append(cols[4], fmt.Sprint(r.Attempts))
		cols[5] = append(cols[5], note)
	}

	rendered := make([]string, len(cols))
	for i, col := range cols {
		cells := make([]string, len(col))
		for j, v := range col {
			switch {
			case j == 0:
				v = headerStyle.Render(v)
			case i == 0:
				v = dimStyle.Render(v)
			case i == len(cols)-1 && v != "":
				v = errStyle.Render(v)
			}
			cells[j] = v
		}
		style := cellStyle
		if i == len(cols)-1 {
			style = lipgloss.NewStyle()
		}
		rendered[i] = style.Render(lipgloss.JoinVertical(lipgloss.Left, cells...))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("holdfast"),
		kong.Description("Offline-first proxy: caches the application shell and queues writes while the backend is unreachable."),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
