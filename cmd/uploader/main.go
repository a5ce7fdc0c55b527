// Package main provides a command-line tool for validating a Neurobagel data
// dictionary and submitting it to the upload API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/neurobagel/dictionary-upload/pkg/client"
	"github.com/neurobagel/dictionary-upload/pkg/dictionary"
	"github.com/neurobagel/dictionary-upload/pkg/logger"
)

const (
	envUsername = "NB_API_USERNAME"
	envPassword = "NB_API_PASSWORD" //nolint:gosec // environment variable name
)

type options struct {
	server       string
	username     string
	password     string
	datasetID    string
	summary      string
	name         string
	email        string
	ghUsername   string
	timeout      time.Duration
	retries      int
	validateOnly bool
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("uploader", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: uploader [flags] participants.json")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.server, "server", client.DefaultServerURL, "Upload API base URL")
	fs.StringVarP(&opts.username, "username", "u", "", "API username (default $"+envUsername+")")
	fs.StringVar(&opts.password, "password", "", "API password (default $"+envPassword+")")
	fs.StringVarP(&opts.datasetID, "dataset", "d", "", "OpenNeuro dataset ID, e.g. ds000001")
	fs.StringVarP(&opts.summary, "summary", "m", "", "Summary of the changes")
	fs.StringVar(&opts.name, "name", "", "Your name")
	fs.StringVar(&opts.email, "email", "", "Your email address")
	fs.StringVar(&opts.ghUsername, "gh-username", "", "Your GitHub username (optional)")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Overall upload timeout")
	fs.IntVar(&opts.retries, "retries", 3, "Upload attempts on network or server errors")
	fs.BoolVar(&opts.validateOnly, "validate-only", false, "Validate the dictionary locally and exit")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, nil, errors.New("exactly one data dictionary file is required")
	}
	return opts, fs.Args(), nil
}

// validate checks the dictionary locally and prints any warnings.
func validate(path string, stdout io.Writer) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data dictionary: %w", err)
	}
	d, err := dictionary.Parse(data)
	if err != nil {
		return nil, err
	}
	warnings, err := dictionary.Validate(d)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(stdout, "%s is a valid Neurobagel data dictionary with %d columns.\n", filepath.Base(path), d.Len())
	for _, w := range warnings {
		fmt.Fprintln(stdout, "warning:", w.Message)
	}
	return data, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookupEnv func(string) (string, bool)) error {
	opts, files, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	data, err := validate(files[0], stdout)
	if err != nil {
		return err
	}
	if opts.validateOnly {
		return nil
	}

	if opts.username == "" {
		opts.username, _ = lookupEnv(envUsername)
	}
	if opts.password == "" {
		opts.password, _ = lookupEnv(envPassword)
	}

	c, err := client.New(client.Config{
		ServerURL:  opts.server,
		Username:   opts.username,
		Password:   opts.password,
		MaxRetries: opts.retries,
		Logger:     logger.Default(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	resp, err := c.Upload(ctx, client.Request{
		DatasetID:      opts.datasetID,
		Summary:        opts.summary,
		Name:           opts.name,
		Email:          opts.email,
		GitHubUsername: opts.ghUsername,
		Filename:       filepath.Base(files[0]),
		Dictionary:     data,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, resp.Message)
	if resp.PullRequestURL != "" {
		fmt.Fprintln(stdout, "Pull request:", resp.PullRequestURL)
	}
	for _, w := range resp.Warnings {
		fmt.Fprintln(stdout, "warning:", w)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv)
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}

	var authErr *client.AuthenticationError
	if errors.As(err, &authErr) {
		fmt.Fprintln(os.Stderr, "authentication failed:", err)
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	stop()
	os.Exit(1)
}
