package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/carbbuild/internal/api"
	"github.com/kalambet/carbbuild/internal/artifact"
	"github.com/kalambet/carbbuild/internal/config"
	"github.com/kalambet/carbbuild/internal/jobs"
)

// pollInterval is how often submit --wait asks the server for progress.
var pollInterval = time.Second

// loadDihedral returns the override text given inline or read from a file.
func loadDihedral(text, file string) (string, error) {
	if text != "" && file != "" {
		return "", errors.New("use either --dihedral or --dihedral-file, not both")
	}
	if file == "" {
		return text, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("reading dihedral file: %w", err)
	}
	return string(data), nil
}

func buildsPath(key string) string {
	return "/builds/" + url.PathEscape(key)
}

func submitBuild(ctx context.Context, c *apiClient, req api.BuildRequest) (api.SubmitResponse, error) {
	var out api.SubmitResponse
	resp, err := c.post(ctx, "/builds", req)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

func fetchBuild(ctx context.Context, c *apiClient, key string, structure bool) (api.BuildView, error) {
	var out api.BuildView
	path := buildsPath(key)
	if structure {
		path += "?structure=true"
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return out, err
	}
	err = decodeJSON(resp, &out)
	return out, err
}

// waitForBuild polls until the build leaves the pending state.
func waitForBuild(ctx context.Context, c *apiClient, key string, interval time.Duration) (api.BuildView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, err := fetchBuild(ctx, c, key, false)
		if err != nil {
			return v, err
		}
		if v.Status.Terminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}

func listBuilds(ctx context.Context, c *apiClient, status string, limit, offset int) ([]api.BuildView, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	q.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	resp, err := c.get(ctx, "/builds?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var out []api.BuildView
	err = decodeJSON(resp, &out)
	return out, err
}

func downloadArtifact(ctx context.Context, c *apiClient, key string, kind artifact.Kind, w io.Writer) (int64, error) {
	resp, err := c.get(ctx, buildsPath(key)+"/files/"+string(kind))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

func writeJSONOut(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <spec>",
	Short: "Submit a build to the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repeat, _ := cmd.Flags().GetInt("repeat")
		dihedralText, _ := cmd.Flags().GetString("dihedral")
		dihedralFile, _ := cmd.Flags().GetString("dihedral-file")
		wait, _ := cmd.Flags().GetBool("wait")
		asJSON, _ := cmd.Flags().GetBool("json")

		dihedral, err := loadDihedral(dihedralText, dihedralFile)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		sub, err := submitBuild(ctx, client, api.BuildRequest{
			Spec:     args[0],
			Repeat:   repeat,
			Dihedral: dihedral,
		})
		if err != nil {
			return err
		}

		if !wait {
			if asJSON {
				return writeJSONOut(sub)
			}
			printSuccess("Build %s (%s)", sub.Key, sub.Status)
			return nil
		}

		if !sub.Status.Terminal() {
			printStep("Waiting for build %s...", sub.Key)
		}
		v, err := waitForBuild(ctx, client, sub.Key, pollInterval)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSONOut(v)
		}
		printBuild(os.Stdout, v)
		if v.Status == jobs.StatusFailed {
			return fmt.Errorf("build %s failed", v.Key)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().IntP("repeat", "r", 0, "repeat count for repeating-unit specifications")
	submitCmd.Flags().String("dihedral", "", "dihedral override text")
	submitCmd.Flags().String("dihedral-file", "", "read dihedral override text from a file")
	submitCmd.Flags().BoolP("wait", "w", false, "wait for the build to finish")
	submitCmd.Flags().Bool("json", false, "print the response as JSON")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show a build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		structure, _ := cmd.Flags().GetBool("structure")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		v, err := fetchBuild(cmd.Context(), client, args[0], structure)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSONOut(v)
		}
		printBuild(os.Stdout, v)
		if v.Structure != "" {
			fmt.Println()
			fmt.Print(v.Structure)
		}
		return nil
	},
}

func init() {
	showCmd.Flags().Bool("structure", false, "include the structure file")
	showCmd.Flags().Bool("json", false, "print the build as JSON")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent builds",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		if status != "" {
			if _, err := jobs.ParseStatus(status); err != nil {
				return err
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		builds, err := listBuilds(cmd.Context(), client, status, limit, offset)
		if err != nil {
			return err
		}
		if len(builds) == 0 {
			fmt.Println("No builds found.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tSTATUS\tCREATED\tSPEC")
		for _, b := range builds {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Key, b.Status, b.CreatedAt.Local().Format(time.DateTime), truncate(b.Spec, 60))
		}
		return tw.Flush()
	},
}

func init() {
	listCmd.Flags().String("status", "", "filter by status (pending, success, failed)")
	listCmd.Flags().Int("limit", 20, "maximum number of builds to list")
	listCmd.Flags().Int("offset", 0, "number of builds to skip")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch <key> <kind>",
	Short: "Download a build artifact (structure, companion, prepsf, dihedral, log)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		kind, err := artifact.ParseKind(args[1])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		n, err := downloadArtifact(cmd.Context(), client, args[0], kind, w)
		if err != nil {
			if output != "" {
				os.Remove(output)
			}
			return err
		}
		if output != "" {
			printSuccess("Wrote %d bytes to %s", n, output)
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringP("output", "o", "", "output file path (default: stdout)")
}

// --- build ---

var buildCmd = &cobra.Command{
	Use:   "build <spec>",
	Short: "Run a build locally without a server and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repeat, _ := cmd.Flags().GetInt("repeat")
		dihedralText, _ := cmd.Flags().GetString("dihedral")
		dihedralFile, _ := cmd.Flags().GetString("dihedral-file")
		asJSON, _ := cmd.Flags().GetBool("json")

		dihedral, err := loadDihedral(dihedralText, dihedralFile)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		rt, err := openRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		job, err := rt.manager.Submit(ctx, jobs.Request{
			Spec:        args[0],
			RepeatCount: repeat,
			Dihedral:    dihedral,
		})
		if err != nil {
			return err
		}

		if !job.Status().Terminal() {
			printStep("Building %s...", job.Key)
		}
		select {
		case <-job.Done():
		case <-ctx.Done():
			return fmt.Errorf("interrupted while waiting for build %s", job.Key)
		}

		v := api.NewBuildView(job.Snapshot())
		if asJSON {
			if err := writeJSONOut(v); err != nil {
				return err
			}
		} else {
			printBuild(os.Stdout, v)
			if v.Status == jobs.StatusSuccess {
				printStatus("Structure", "%s", job.Paths.Structure)
			}
		}
		if v.Status == jobs.StatusFailed {
			return fmt.Errorf("build %s failed", v.Key)
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().IntP("repeat", "r", 0, "repeat count for repeating-unit specifications")
	buildCmd.Flags().String("dihedral", "", "dihedral override text")
	buildCmd.Flags().String("dihedral-file", "", "read dihedral override text from a file")
	buildCmd.Flags().Bool("json", false, "print the result as JSON")
}

// --- key ---

var keyCmd = &cobra.Command{
	Use:   "key <spec>",
	Short: "Print the cache key of a build request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repeat, _ := cmd.Flags().GetInt("repeat")
		dihedralText, _ := cmd.Flags().GetString("dihedral")
		dihedralFile, _ := cmd.Flags().GetString("dihedral-file")
		ver, _ := cmd.Flags().GetString("builder-version")

		dihedral, err := loadDihedral(dihedralText, dihedralFile)
		if err != nil {
			return err
		}
		if ver == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ver = cfg.Builder.Version
		}

		req := jobs.Request{Spec: args[0], RepeatCount: repeat, Dihedral: dihedral, Version: ver}
		if err := req.Validate(); err != nil {
			return err
		}
		fmt.Println(req.Key())
		return nil
	},
}

func init() {
	keyCmd.Flags().IntP("repeat", "r", 0, "repeat count")
	keyCmd.Flags().String("dihedral", "", "dihedral override text")
	keyCmd.Flags().String("dihedral-file", "", "read dihedral override text from a file")
	keyCmd.Flags().String("builder-version", "", "builder version (default: builder.version from config)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("  %s %s\n", colorize(colorBold, "file:"), config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
