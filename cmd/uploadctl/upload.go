package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/uploadfield/internal/engine"
	"github.com/JonMunkholm/uploadfield/internal/field"
	"github.com/JonMunkholm/uploadfield/internal/logging"
)

const apiKeyHeader = "X-API-Key"

type uploadOptions struct {
	Endpoint   string
	Account    string
	ConfigFile string
	APIKey     string
	FieldID    string
	Timeout    time.Duration
	Limit      int
}

// NewUploadCommand creates the upload command.
func NewUploadCommand() *cobra.Command {
	var opts uploadOptions

	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files and print the committed URLs",
		Long: `Upload mounts a field configured from --config (YAML), offers every file
to it, and uploads the accepted ones. Files refused by the field's
restrictions are reported on stderr and skipped. The committed value is
printed as a JSON array in completion order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			logger := logging.New(cmd.ErrOrStderr(), level, format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return runUpload(ctx, opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", envOr("UPLOAD_ENDPOINT", "http://localhost:8080/api/upload"), "upload endpoint")
	cmd.Flags().StringVar(&opts.Account, "account", "", "account id added to the endpoint")
	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "field configuration file (YAML)")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", os.Getenv("UPLOAD_API_KEY"), "key sent as "+apiKeyHeader)
	cmd.Flags().StringVar(&opts.FieldID, "field-id", "cli", "field id")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-file transfer timeout (0 for none)")
	cmd.Flags().IntVar(&opts.Limit, "parallel", engine.DefaultTransferLimit, "simultaneous transfers")

	return cmd
}

// loadFieldConfig reads a field configuration file. An empty path yields
// the defaults.
func loadFieldConfig(path string) (field.Config, error) {
	var cfg field.Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.MaxFiles < 0 || cfg.MaxSizeBytes < 0 {
		return cfg, fmt.Errorf("parse config %s: limits must not be negative", path)
	}
	return cfg, nil
}

func runUpload(ctx context.Context, opts uploadOptions, paths []string, stdout, stderr io.Writer, logger *slog.Logger) error {
	cfg, err := loadFieldConfig(opts.ConfigFile)
	if err != nil {
		return err
	}

	mopts := field.ManagerOptions{
		Endpoint:      opts.Endpoint,
		TransferLimit: opts.Limit,
		Timeout:       opts.Timeout,
		Logger:        logger,
	}
	if opts.APIKey != "" {
		mopts.Headers = http.Header{apiKeyHeader: []string{opts.APIKey}}
	}

	host := &cliHost{}
	f := field.New(mopts)
	host.props = field.Props{
		ID:       opts.FieldID,
		Value:    []string{},
		OnChange: func(v []string) { host.commit(f, v) },
		Config:   cfg,
		Account:  opts.Account,
	}

	container := &headless{}
	if err := f.Mount(host.current(), container); err != nil {
		return fmt.Errorf("mount field: %w", err)
	}
	defer f.Unmount()

	eng := f.Engine()
	if eng == nil {
		return field.ErrNoContainer
	}

	// Events are delivered in order after the field's own handler, so once
	// Complete arrives every success has been committed.
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := eng.On(func(ev engine.Event) {
		switch ev := ev.(type) {
		case engine.UploadError:
			fmt.Fprintf(stderr, "failed %s: %s\n", ev.File.Name, field.FormatUserError(ev.Err))
		case engine.Complete:
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	accepted := 0
	for _, p := range paths {
		src, err := fileSource(p)
		if err != nil {
			return err
		}
		if _, err := eng.AddFile(src); err != nil {
			if errors.Is(err, engine.ErrRestriction) {
				fmt.Fprintf(stderr, "skipped %s: %s\n", src.Name, field.FormatUserError(err))
				continue
			}
			return fmt.Errorf("add %s: %w", p, err)
		}
		accepted++
	}

	var result engine.Result
	if accepted > 0 {
		result, err = eng.Upload(ctx)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(host.current().Value); err != nil {
		return err
	}

	if n := len(result.Failed); n > 0 {
		return fmt.Errorf("%d of %d uploads failed", n, accepted)
	}
	return nil
}

func fileSource(path string) (engine.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return engine.Source{}, fmt.Errorf("file does not exist: %s", path)
	}
	if info.IsDir() {
		return engine.Source{}, fmt.Errorf("not a file: %s", path)
	}
	return engine.Source{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// cliHost owns the field value the way a form would.
type cliHost struct {
	mu    sync.Mutex
	props field.Props
}

func (h *cliHost) current() field.Props {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.props
	p.Value = append([]string{}, h.props.Value...)
	return p
}

func (h *cliHost) commit(f *field.Field, value []string) {
	h.mu.Lock()
	h.props.Value = append([]string{}, value...)
	h.mu.Unlock()

	if err := f.Update(h.current()); err != nil {
		slog.Error("field update failed", "error", err)
	}
}

// headless is a container without a user interface.
type headless struct {
	mu      sync.Mutex
	engines map[string]field.Engine
}

func (c *headless) Mount(fieldID string, e field.Engine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engines == nil {
		c.engines = make(map[string]field.Engine)
	}
	c.engines[fieldID] = e
	return nil
}

func (c *headless) Unmount(fieldID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.engines, fieldID)
}
