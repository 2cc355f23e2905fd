package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"agent-runtime/pkg/engine"
	"agent-runtime/pkg/stream"
	"agent-runtime/pkg/task"
)

var version = "dev"

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agentctl"),
		kong.Description("Command-line client for the agent runtime."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := &client{base: strings.TrimRight(cli.Server, "/"), http: &http.Client{}, out: os.Stdout}
	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(c); err != nil {
		fatal("%v", err)
	}
}

// client talks to the runtime's HTTP API.
type client struct {
	base string
	http *http.Client
	out  io.Writer
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Run submits the task.
func (cmd *CreateCmd) Run(ctx context.Context, c *client) error {
	req := engine.Request{
		Type:      task.Type(cmd.Type),
		SessionID: cmd.Session,
		Configuration: task.Configuration{
			TargetURL:    cmd.URL,
			Instructions: cmd.Instructions,
		},
	}
	if cmd.Username != "" || cmd.Password != "" {
		req.Configuration.SignIn = &task.SignIn{
			Method:   task.SignInUsernamePassword,
			Username: cmd.Username,
			Password: cmd.Password,
		}
	}
	if cmd.SASURL != "" || cmd.Bucket != "" {
		req.ArtifactsDestination = &task.ArtifactsDestination{
			SASURL: cmd.SASURL,
			Bucket: cmd.Bucket,
			Prefix: cmd.Prefix,
		}
	}
	if err := req.Validate(); err != nil {
		return err
	}

	var t task.Task
	if err := c.do(ctx, "POST", "/tasks", req, &t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if !cmd.Watch {
		return c.printJSON(t)
	}
	fmt.Fprintf(c.out, "task %s submitted\n", t.ID)
	return c.watch(ctx, t.ID)
}

// Run shows one task.
func (cmd *GetCmd) Run(ctx context.Context, c *client) error {
	var t task.Task
	if err := c.do(ctx, "GET", "/tasks/"+url.PathEscape(cmd.ID), nil, &t); err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	return c.printJSON(t)
}

// Run lists tasks.
func (cmd *ListCmd) Run(ctx context.Context, c *client) error {
	path := "/tasks"
	if cmd.Status != "" {
		path += "?status=" + url.QueryEscape(cmd.Status)
	}
	var out struct {
		Tasks []task.Task `json:"tasks"`
		Total int         `json:"total_tasks"`
	}
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if cmd.Format == "json" {
		return c.printJSON(out.Tasks)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSESSION\tPHASE")
	for _, t := range out.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Status, t.SessionID, t.Phase)
	}
	return tw.Flush()
}

// Run prints the debug log.
func (cmd *LogsCmd) Run(ctx context.Context, c *client) error {
	var out struct {
		Logs []string `json:"debug_logs"`
	}
	if err := c.do(ctx, "GET", "/tasks/"+url.PathEscape(cmd.ID)+"/logs", nil, &out); err != nil {
		return fmt.Errorf("task logs: %w", err)
	}
	for _, line := range out.Logs {
		fmt.Fprintln(c.out, line)
	}
	return nil
}

// Run cancels the task.
func (cmd *CancelCmd) Run(ctx context.Context, c *client) error {
	var t task.Task
	if err := c.do(ctx, "POST", "/tasks/"+url.PathEscape(cmd.ID)+"/cancel", nil, &t); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Fprintf(c.out, "task %s is %s\n", t.ID, t.Status)
	return nil
}

// Run follows the task.
func (cmd *WatchCmd) Run(ctx context.Context, c *client) error {
	return c.watch(ctx, cmd.ID)
}

var errTaskFailed = errors.New("task did not complete successfully")

// watch prints a task's SSE stream until its complete event.
func (c *client) watch(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/tasks/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode, Message: "stream unavailable"}
	}

	var (
		kind string
		done *stream.CompleteData
	)
	// The server keeps the stream open after completion; stop reading at
	// the complete event.
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for done == nil && sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			d, err := c.printEvent(stream.Kind(kind), []byte(strings.TrimPrefix(line, "data: ")))
			if err != nil {
				return err
			}
			done = d
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if done == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New("stream ended before the task finished")
	}
	if !done.Success {
		return fmt.Errorf("%w: %s", errTaskFailed, done.Error)
	}
	return nil
}

// printEvent writes one event and returns its payload when it is the
// complete event.
func (c *client) printEvent(kind stream.Kind, data []byte) (*stream.CompleteData, error) {
	var ev struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch kind {
	case stream.KindDebug:
		var d stream.DebugData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		if d.Agent != "" {
			fmt.Fprintf(c.out, "%s [%s] %s\n", d.Level, d.Agent, d.Message)
		} else {
			fmt.Fprintf(c.out, "%s %s\n", d.Level, d.Message)
		}
	case stream.KindStatus:
		var d stream.StatusData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		fmt.Fprintf(c.out, "== %s %s\n", d.Status, d.Phase)
	case stream.KindComplete:
		var d stream.CompleteData
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return nil, err
		}
		if d.Success {
			fmt.Fprintln(c.out, "== completed")
		} else {
			fmt.Fprintf(c.out, "== finished without success: %s\n", d.Error)
		}
		return &d, nil
	}
	return nil, nil
}

// Run lists sessions, one session's files, or downloads a session.
func (cmd *SessionsCmd) Run(ctx context.Context, c *client) error {
	if cmd.ID == "" {
		var out struct {
			Sessions []string `json:"sessions"`
		}
		if err := c.do(ctx, "GET", "/sessions", nil, &out); err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, s := range out.Sessions {
			fmt.Fprintln(c.out, s)
		}
		return nil
	}
	id := url.PathEscape(cmd.ID)
	if cmd.Download != "" {
		f, err := os.Create(cmd.Download)
		if err != nil {
			return err
		}
		if err := c.do(ctx, "GET", "/sessions/"+id+"/download", nil, io.Writer(f)); err != nil {
			f.Close()
			os.Remove(cmd.Download)
			return fmt.Errorf("download session: %w", err)
		}
		return f.Close()
	}
	var out map[string]any
	if err := c.do(ctx, "GET", "/sessions/"+id+"/files", nil, &out); err != nil {
		return fmt.Errorf("session files: %w", err)
	}
	return c.printJSON(out)
}

// Run wipes the runtime.
func (cmd *CleanupCmd) Run(ctx context.Context, c *client) error {
	if !cmd.Yes {
		fmt.Fprint(os.Stderr, "This stops every task and deletes all sessions. Continue? [y/N] ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			return errors.New("aborted")
		}
	}
	var report map[string]any
	if err := c.do(ctx, "POST", "/cleanup", nil, &report); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return c.printJSON(report)
}

// Run shows server health.
func (cmd *HealthCmd) Run(ctx context.Context, c *client) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var out map[string]any
	if err := c.do(ctx, "GET", "/health", nil, &out); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return c.printJSON(out)
}

// Run prints the version.
func (cmd *VersionCmd) Run(c *client) error {
	fmt.Fprintf(c.out, "agentctl %s\n", version)
	return nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "agentctl: "+format+"\n", args...)
	os.Exit(1)
}
