package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/concretelab/mixledger/internal/labclient"
	"github.com/concretelab/mixledger/internal/submission"
)

type submitter interface {
	Submit(ctx context.Context, payload submission.Payload) (labclient.Receipt, error)
}

func main() {
	baseURL := flag.String("base-url", envOrDefault("MIXLEDGER_BASE_URL", "http://127.0.0.1:8080"), "mixledger base URL")
	file := flag.String("file", "-", "submission JSON file, - for stdin")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	in := io.Reader(os.Stdin)
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("open %s: %v", *file, err)
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := labclient.New(*baseURL, "", &http.Client{Timeout: *timeout})
	receipt, err := submitPayload(ctx, client, in, os.Stdout)
	if err != nil {
		var httpErr *labclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.Field != "" {
			log.Printf("field %s: %s", httpErr.Field, httpErr.Message)
		}
		log.Printf("submit failed: %v", err)
		os.Exit(1)
	}
	if receipt.Partial {
		os.Exit(2)
	}
}

// submitPayload validates the payload locally before sending it and writes
// the receipt to out as JSON.
func submitPayload(ctx context.Context, client submitter, in io.Reader, out io.Writer) (labclient.Receipt, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return labclient.Receipt{}, fmt.Errorf("read payload: %w", err)
	}
	payload, err := submission.DecodePayload(data)
	if err != nil {
		return labclient.Receipt{}, err
	}
	receipt, err := client.Submit(ctx, payload)
	if err != nil {
		return labclient.Receipt{}, err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(receipt); err != nil {
		return receipt, fmt.Errorf("write receipt: %w", err)
	}
	return receipt, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
