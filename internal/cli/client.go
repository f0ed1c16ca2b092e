package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// apiClient 是 submit / status 使用的最小 REST 客戶端
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string) *apiClient {
	return &apiClient{base: strings.TrimRight(server, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Detail)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func dialGRPC(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// ============================================================================
// submit
// ============================================================================

type submitOptions struct {
	server   string
	user     string
	file     string
	priority string
	metadata []string
}

func buildSubmitCommand() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a workflow",
		Long:  "Read a workflow JSON document (from --file, or stdin when --file is -) and submit it as a job.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8000", "queue HTTP address")
	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "submitting user id")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "workflow JSON file, - for stdin")
	cmd.Flags().StringVarP(&opts.priority, "priority", "p", "", "low, normal, high or override")
	cmd.Flags().StringSliceVar(&opts.metadata, "meta", nil, "metadata key=value pairs")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runSubmit(cmd *cobra.Command, opts *submitOptions) error {
	var (
		raw []byte
		err error
	)
	if opts.file == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(opts.file)
	}
	if err != nil {
		return fmt.Errorf("failed to read workflow: %w", err)
	}

	var workflow map[string]interface{}
	if err := json.Unmarshal(raw, &workflow); err != nil {
		return fmt.Errorf("failed to parse workflow JSON: %w", err)
	}

	req := map[string]interface{}{"user_id": opts.user, "workflow": workflow}
	if opts.priority != "" {
		p, err := types.ParsePriority(opts.priority)
		if err != nil {
			return err
		}
		req["priority"] = p
	}
	if len(opts.metadata) > 0 {
		meta := make(map[string]interface{}, len(opts.metadata))
		for _, kv := range opts.metadata {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --meta %q, expected key=value", kv)
			}
			meta[k] = v
		}
		req["metadata"] = meta
	}

	var job types.Job
	if err := newAPIClient(opts.server).do(cmd.Context(), http.MethodPost, "/jobs", req, &job); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (priority %s)\n", job.ID, job.Priority)
	return nil
}

// ============================================================================
// status
// ============================================================================

type statusOptions struct {
	server string
	job    string
	user   string
	asJSON bool
}

func buildStatusCommand() *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Long:  "Display queue statistics, a single job (--job) or a user's jobs (--user).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8000", "queue HTTP address")
	cmd.Flags().StringVar(&opts.job, "job", "", "show a single job")
	cmd.Flags().StringVar(&opts.user, "user", "", "list jobs of a user")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *statusOptions) error {
	client := newAPIClient(opts.server)
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	switch {
	case opts.job != "":
		var view types.JobView
		if err := client.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(opts.job), nil, &view); err != nil {
			return err
		}
		if opts.asJSON {
			return printJSON(out, view)
		}
		printJob(out, &view)
		return nil

	case opts.user != "":
		var jobs []types.Job
		path := "/jobs?owner=" + url.QueryEscape(opts.user)
		if err := client.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
			return err
		}
		if opts.asJSON {
			return printJSON(out, jobs)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Status, j.Priority, j.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()

	default:
		var stats types.QueueStats
		if err := client.do(ctx, http.MethodGet, "/queue/status", nil, &stats); err != nil {
			return err
		}
		if opts.asJSON {
			return printJSON(out, stats)
		}
		fmt.Fprintf(out, "Mode:           %s\n", stats.Mode)
		fmt.Fprintf(out, "Queue depth:    %d / %d\n", stats.QueueDepth, stats.MaxDepth)
		fmt.Fprintf(out, "Active workers: %d\n", stats.ActiveWorkers)
		fmt.Fprintf(out, "Pending:        %d\n", stats.Pending)
		fmt.Fprintf(out, "Running:        %d\n", stats.Running)
		fmt.Fprintf(out, "Completed:      %d\n", stats.Completed)
		fmt.Fprintf(out, "Failed:         %d\n", stats.Failed)
		fmt.Fprintf(out, "Cancelled:      %d\n", stats.Cancelled)
		return nil
	}
}

func printJob(w io.Writer, v *types.JobView) {
	fmt.Fprintf(w, "Job:      %s\n", v.ID)
	fmt.Fprintf(w, "User:     %s\n", v.Owner)
	fmt.Fprintf(w, "Status:   %s\n", v.Status)
	fmt.Fprintf(w, "Priority: %s\n", v.Priority)
	if v.PositionInQueue != nil {
		fmt.Fprintf(w, "Position: %d\n", *v.PositionInQueue)
	}
	if v.AssignedWorker != "" {
		fmt.Fprintf(w, "Worker:   %s\n", v.AssignedWorker)
	}
	if v.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", v.Error)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
