package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/picala/internal/config"
)

func newStartCmd() *cobra.Command {
	var openURL string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Picala daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStart(cmd.OutOrStdout(), openURL)
		},
	}
	cmd.Flags().StringVar(&openURL, "open-url", "", "deep link to handle once the daemon is up")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the Picala daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStop(cmd.OutOrStdout())
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStatus(cmd.Context(), cmd.OutOrStdout(), newAPIClient())
		},
	}
}

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "View recent daemon logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.PicalaDir()
			if err != nil {
				return err
			}
			return tailLog(cmd.OutOrStdout(), filepath.Join(dir, "logs", "picalad.log"), 4096)
		},
	}
}

// cmdStart starts the daemon in the background
func cmdStart(out io.Writer, openURL string) error {
	api := newAPIClient()
	if api.isRunning() {
		fmt.Fprintln(out, "✓ Daemon is already running")
		return nil
	}

	picalaDir, err := config.EnsurePicalaDir()
	if err != nil {
		return fmt.Errorf("setup picala directory: %w", err)
	}

	daemonPath, err := findDaemonBinary()
	if err != nil {
		return fmt.Errorf("find daemon binary: %w", err)
	}

	var daemonArgs []string
	if openURL != "" {
		daemonArgs = append(daemonArgs, "--open-url", openURL)
	}
	cmd := exec.Command(daemonPath, daemonArgs...)
	cmd.Dir = picalaDir
	cmd.Stdout = nil
	cmd.Stderr = nil

	// Detach from parent process (platform-specific)
	configureDaemonProcess(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Fprint(out, "Starting daemon...")
	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if api.isRunning() {
			fmt.Fprintln(out, " ✓")
			fmt.Fprintf(out, "Daemon running at %s\n", api.baseURL)
			return nil
		}
		fmt.Fprint(out, ".")
	}

	fmt.Fprintln(out, " ✗")
	return fmt.Errorf("daemon failed to start (check logs with 'picala logs')")
}

// cmdStop stops the daemon
func cmdStop(out io.Writer) error {
	api := newAPIClient()
	if !api.isRunning() {
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}

	picalaDir, err := config.PicalaDir()
	if err != nil {
		return err
	}
	pid, err := readPID(filepath.Join(picalaDir, pidFile))
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	fmt.Fprint(out, "Stopping daemon...")
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if !api.isRunning() {
			fmt.Fprintln(out, " ✓")
			return nil
		}
		fmt.Fprint(out, ".")
	}

	fmt.Fprintln(out, " ✗")
	return fmt.Errorf("daemon did not stop gracefully")
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID: %w", err)
	}
	return pid, nil
}

type statusResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Provider   string `json:"provider"`
	TokenStore string `json:"token_store"`
	Phase      string `json:"phase"`
	Auth       struct {
		User *struct {
			Email string `json:"email"`
		} `json:"user"`
		IsAuthenticated bool `json:"isAuthenticated"`
	} `json:"auth"`
	Keepalive struct {
		AppState string `json:"app_state"`
		Armed    bool   `json:"armed"`
		Interval string `json:"interval"`
	} `json:"keepalive"`
	EventsConnected bool `json:"events_connected"`
}

// cmdStatus shows daemon status
func cmdStatus(ctx context.Context, out io.Writer, api *apiClient) error {
	if !api.isRunning() {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	var status statusResponse
	if err := api.get(ctx, "/v1/status", &status); err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	signedIn := "no"
	if status.Auth.IsAuthenticated && status.Auth.User != nil {
		signedIn = status.Auth.User.Email
	}
	refresh := "idle"
	if status.Keepalive.Armed {
		refresh = "every " + status.Keepalive.Interval
	}

	fmt.Fprintf(out, "Status:      %s\n", status.Status)
	fmt.Fprintf(out, "Version:     %s\n", status.Version)
	fmt.Fprintf(out, "Provider:    %s\n", status.Provider)
	fmt.Fprintf(out, "Token store: %s\n", status.TokenStore)
	fmt.Fprintf(out, "Signed in:   %s\n", signedIn)
	fmt.Fprintf(out, "Refresh:     %s\n", refresh)
	fmt.Fprintf(out, "Events bus:  %t\n", status.EventsConnected)
	fmt.Fprintf(out, "Address:     %s\n", api.baseURL)
	return nil
}

// tailLog prints the last bytes of the log file, starting at a line boundary
func tailLog(out io.Writer, logPath string, size int64) error {
	file, err := os.Open(logPath)
	if os.IsNotExist(err) {
		fmt.Fprintln(out, "No log file found. Start the daemon first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}
	offset := info.Size() - size
	if offset < 0 {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReader(file)
	// Skip partial first line if we seeked
	if offset > 0 {
		_, _ = reader.ReadString('\n')
	}

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		fmt.Fprintln(out, scanner.Text())
	}
	return scanner.Err()
}

// findDaemonBinary locates the picalad binary
func findDaemonBinary() (string, error) {
	if path, err := exec.LookPath("picalad"); err == nil {
		return path, nil
	}

	// Check relative to this binary
	if self, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(self), "picalad")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	for _, path := range []string{"/usr/local/bin/picalad", "./picalad", "./cmd/picalad/picalad"} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("picalad binary not found (build with 'go build ./cmd/picalad')")
}
