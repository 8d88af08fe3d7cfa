// Package client runs the data holder's side: it provisions keys, publishes one request and
// waits for the server's answer.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	uuid "gopkg.in/satori/go.uuid.v1"

	"github.com/z3rotig4r/ckks_linear/channel"
	"github.com/z3rotig4r/ckks_linear/features"
	"github.com/z3rotig4r/ckks_linear/fixedpoint"
	"github.com/z3rotig4r/ckks_linear/keys"
	"github.com/z3rotig4r/ckks_linear/params"
)

var (
	ErrInvalidInputSize = errors.New("invalid input size")
	ErrNoInput          = errors.New("no input values")
	ErrServerFailure    = errors.New("server reported failure")
	ErrTimeout          = errors.New("timed out waiting for result")
	ErrMalformedResult  = errors.New("malformed result")
)

// Publisher writes feature vectors as request records.
type Publisher struct {
	Store    channel.Store
	Features int
	Scale    int64
}

// Publish validates the vector length and range and writes it on the fixed-point grid, one value
// per line. The returned record carries the request ID the answer will reference.
func (p *Publisher) Publish(ctx context.Context, values []float64) (channel.Record, error) {
	if len(values) != p.Features {
		return channel.Record{}, fmt.Errorf("%w: need %d values, got %d", ErrInvalidInputSize, p.Features, len(values))
	}
	scale := p.Scale
	if scale <= 0 {
		scale = fixedpoint.DefaultScale
	}
	if err := fixedpoint.CheckVector(values, scale); err != nil {
		return channel.Record{}, err
	}

	rec, err := p.Store.Put(ctx, channel.Record{
		Name:    channel.Request,
		ID:      uuid.NewV1().String(),
		Payload: features.Format(values, scale),
	})
	if err != nil {
		return channel.Record{}, fmt.Errorf("publish request: %w", err)
	}
	return rec, nil
}

// Options configures a Client.
type Options struct {
	Descriptor     params.Descriptor
	Scale          int64
	Features       int
	Ranges         []features.Range
	InputPath      string
	ResultPath     string
	PollInterval   time.Duration
	Timeout        time.Duration
	KeySettle      time.Duration
	ResponseSettle time.Duration
}

// Client performs one request.
type Client struct {
	store channel.Store
	opts  Options
	log   *log.Logger
}

func New(store channel.Store, opts Options, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{store: store, opts: opts, log: logger}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReadInput parses the input file, normalizing with ranges when given.
func ReadInput(path string, ranges []features.Range, logger *log.Logger) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	values, skipped, err := features.Parse(f)
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		logger.Printf("Skipping malformed value at %s", s)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoInput, path)
	}

	if len(ranges) > 0 {
		values, err = features.Normalize(values, ranges)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInputSize, err)
		}
	}
	return values, nil
}

// Run purges the channel, provisions keys, publishes the input and returns the score the
// server sends back. The score is also written to ResultPath.
func (c *Client) Run(ctx context.Context) (float64, error) {
	c.log.Printf("Cleaning shared channel...")
	if err := c.store.Purge(ctx); err != nil {
		return 0, err
	}

	c.log.Printf("Key generation started.")
	prov := &keys.Provisioner{Store: c.store, Descriptor: c.opts.Descriptor, Log: c.log}
	if _, err := prov.Provision(ctx); err != nil {
		return 0, fmt.Errorf("provision keys: %w", err)
	}
	if err := sleep(ctx, c.opts.KeySettle); err != nil {
		return 0, err
	}

	values, err := ReadInput(c.opts.InputPath, c.opts.Ranges, c.log)
	if err != nil {
		return 0, err
	}
	c.log.Printf("Loaded %d values: %v", len(values), values)

	pub := &Publisher{Store: c.store, Features: c.opts.Features, Scale: c.opts.Scale}
	req, err := pub.Publish(ctx, values)
	if err != nil {
		return 0, err
	}
	c.log.Printf("Plain data has been sent (request %s). Waiting for result...", req.ID)

	rec, err := c.await(ctx, req.ID)
	if err != nil {
		return 0, err
	}
	if err := sleep(ctx, c.opts.ResponseSettle); err != nil {
		return 0, err
	}

	if rec.Name == channel.Failure {
		return 0, fmt.Errorf("%w: %s", ErrServerFailure, strings.TrimSpace(string(rec.Payload)))
	}

	score, err := strconv.ParseFloat(string(bytes.TrimSpace(rec.Payload)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	c.log.Printf("Final score received: %.10g", score)

	if err := c.persist(score); err != nil {
		return score, err
	}
	c.log.Printf("Result has arrived! Saved to %s", c.opts.ResultPath)
	return score, nil
}

func (c *Client) await(ctx context.Context, requestID string) (channel.Record, error) {
	waitCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	w := channel.NewWatcher(c.store, c.opts.PollInterval, c.log)
	rec, err := w.WaitAny(waitCtx, func(r channel.Record) bool {
		return r.Ref == requestID
	}, channel.Response, channel.Failure)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return channel.Record{}, fmt.Errorf("%w after %v", ErrTimeout, c.opts.Timeout)
		}
		return channel.Record{}, err
	}
	return rec, nil
}

func (c *Client) persist(score float64) error {
	if c.opts.ResultPath == "" {
		return nil
	}
	if dir := filepath.Dir(c.opts.ResultPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create result dir: %w", err)
		}
	}
	data := strconv.FormatFloat(score, 'g', 10, 64) + "\n"
	if err := os.WriteFile(c.opts.ResultPath, []byte(data), 0600); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
