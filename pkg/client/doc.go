// Package client provides a Go client for the data dictionary upload API.
//
// The client handles:
//   - Multipart encoding of the dictionary and submitter details
//   - Retries with jittered exponential backoff on network and server errors
//   - Typed errors for rejected credentials and rejected uploads
//   - Structured logging with customizable output
//
// Basic usage:
//
//	c, err := client.New(client.Config{
//	    ServerURL: "https://upload.neurobagel.org",
//	    Username:  "neurobagel",
//	    Password:  "...",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := c.Upload(ctx, client.Request{
//	    DatasetID:  "ds000001",
//	    Summary:    "Annotate age column",
//	    Name:       "Alice",
//	    Email:      "alice@example.org",
//	    Dictionary: data,
//	})
//
// To disable logging or customize output:
//
//	// Silence all logs
//	config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
//
//	// Or use JSON logging
//	config.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
package client
