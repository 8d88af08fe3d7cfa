// Package server runs the evaluating side of the protocol: it waits for key material and
// requests on the channel, scores each request under encryption and publishes the result.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
	uuid "gopkg.in/satori/go.uuid.v1"

	"github.com/z3rotig4r/ckks_linear/channel"
	"github.com/z3rotig4r/ckks_linear/features"
	"github.com/z3rotig4r/ckks_linear/inference"
	"github.com/z3rotig4r/ckks_linear/keys"
	"github.com/z3rotig4r/ckks_linear/model"
	"github.com/z3rotig4r/ckks_linear/params"
	"github.com/z3rotig4r/ckks_linear/telemetry"
)

// State is a step of the request cycle.
type State int

const (
	StateWaitKeys State = iota
	StateWaitRequest
	StateProcessing
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateWaitKeys:
		return "wait-keys"
	case StateWaitRequest:
		return "wait-request"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Failure codes written to the failure record.
const (
	CodeInputSizeMismatch = "InputSizeMismatch"
	CodeModelFileMissing  = "ModelFileMissing"
	CodeInvalidModel      = "InvalidModel"
	CodeMalformedInput    = "MalformedInputValue"
	CodeEvaluation        = "EvaluationError"
)

// Options tunes a Server.
type Options struct {
	FixedPointScale int64
	PollInterval    time.Duration
	KeyRetryDelay   time.Duration
}

type pending struct {
	rec    channel.Record
	values []float64
	keys   *keys.Material

	score    float64
	failCode string
	failErr  error
	snapshot *telemetry.Snapshot
}

// Server is the request loop. Run and Step must not be called concurrently; Status may be
// called from any goroutine.
type Server struct {
	store   channel.Store
	watcher *channel.Watcher
	source  model.Source
	params  ckks.Parameters
	eval    *inference.Evaluator
	tel     *telemetry.Writer
	retry   time.Duration
	log     *log.Logger

	state atomic.Int32
	cur   *pending

	mu       sync.Mutex
	keyID    string
	lastSeen time.Time

	requests  atomic.Int64
	responses atomic.Int64
	failures  atomic.Int64
	telErrors atomic.Int64
}

// New builds a server over store. The model is read from source on every request.
func New(store channel.Store, source model.Source, p ckks.Parameters, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.KeyRetryDelay <= 0 {
		opts.KeyRetryDelay = time.Second
	}
	fp := params.Identify(p)
	return &Server{
		store:   store,
		watcher: channel.NewWatcher(store, opts.PollInterval, logger),
		source:  source,
		params:  p,
		eval:    inference.NewEvaluator(p, opts.FixedPointScale),
		tel:     &telemetry.Writer{Store: store, Fingerprint: fp},
		retry:   opts.KeyRetryDelay,
		log:     logger,
	}
}

// State returns the current state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Run steps the state machine until ctx is cancelled, returning nil in that case. A
// parameter mismatch between the published keys and the local configuration stops the
// loop with an error wrapping params.ErrParameterMismatch.
func (s *Server) Run(ctx context.Context) error {
	s.log.Printf("Waiting for keys (params %s)", params.Identify(s.params).Short())
	for {
		err := s.Step(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, params.ErrParameterMismatch) {
				return err
			}
			s.log.Printf("Error: %v", err)
			if err := sleep(ctx, s.retry); err != nil {
				return nil
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step performs one transition.
func (s *Server) Step(ctx context.Context) error {
	switch st := s.State(); st {
	case StateWaitKeys:
		return s.waitKeys(ctx)
	case StateWaitRequest:
		return s.waitRequest(ctx)
	case StateProcessing:
		s.process(ctx)
		s.setState(StateResponding)
		return nil
	case StateResponding:
		err := s.respond(ctx)
		s.cur = nil
		s.setState(StateWaitRequest)
		return err
	default:
		return fmt.Errorf("unknown state %v", st)
	}
}

func (s *Server) loadKeys(ctx context.Context) (*keys.Material, error) {
	km, err := keys.Load(ctx, s.store, s.params)
	if err != nil {
		if errors.Is(err, params.ErrParameterMismatch) {
			if pub, perr := keys.ReadPublished(ctx, s.store); perr == nil {
				s.log.Printf("Client published %+v", pub.Descriptor)
			}
		}
		return nil, err
	}

	s.mu.Lock()
	if s.keyID != km.ID.String() {
		s.log.Printf("Loaded keys %s", km.ID)
	}
	s.keyID = km.ID.String()
	s.mu.Unlock()
	return km, nil
}

func (s *Server) waitKeys(ctx context.Context) error {
	_, err := s.loadKeys(ctx)
	switch {
	case err == nil:
		s.log.Printf("Keys ready. Waiting for requests.")
		s.setState(StateWaitRequest)
		return nil
	case errors.Is(err, keys.ErrMissingKeyMaterial):
		return sleep(ctx, s.retry)
	default:
		return err
	}
}

func (s *Server) waitRequest(ctx context.Context) error {
	rec, err := s.watcher.Wait(ctx, channel.Request, nil)
	if err != nil {
		return err
	}
	s.requests.Add(1)
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
	s.log.Printf("Request data detected (seq %d, id %s)", rec.Seq, rec.ID)

	// Keys are reloaded every cycle so a rotation is picked up.
	km, err := s.loadKeys(ctx)
	if err != nil {
		if errors.Is(err, keys.ErrMissingKeyMaterial) {
			s.log.Printf("Request present but keys are not: %v", err)
			s.setState(StateWaitKeys)
			return sleep(ctx, s.retry)
		}
		return err
	}

	cur := &pending{rec: rec, keys: km}
	values, skipped, err := features.Parse(bytes.NewReader(rec.Payload))
	switch {
	case err != nil:
		cur.failCode, cur.failErr = CodeMalformedInput, err
	case len(skipped) > 0:
		// Requests are written on the fixed-point grid, so any unreadable line means the
		// request is corrupt and dropping it would silently shift the vector.
		cur.failCode = CodeMalformedInput
		cur.failErr = fmt.Errorf("%d unreadable values, first at %s", len(skipped), skipped[0])
	}
	cur.values = values

	s.cur = cur
	s.setState(StateProcessing)
	return nil
}

func (s *Server) process(ctx context.Context) {
	cur := s.cur
	if cur.failErr != nil {
		return
	}

	m, err := s.source.Load(ctx)
	if err != nil {
		cur.failErr = err
		if errors.Is(err, model.ErrModelFileMissing) {
			cur.failCode = CodeModelFileMissing
		} else {
			cur.failCode = CodeInvalidModel
		}
		return
	}

	s.log.Printf("Evaluating %d features", len(cur.values))
	res, err := s.eval.Evaluate(cur.keys, m, cur.values)
	if err != nil {
		cur.failErr = err
		switch {
		case errors.Is(err, inference.ErrInputSizeMismatch):
			cur.failCode = CodeInputSizeMismatch
		case errors.Is(err, inference.ErrValueOutOfRange):
			cur.failCode = CodeMalformedInput
		default:
			cur.failCode = CodeEvaluation
		}
		return
	}
	cur.score = res.Score

	snap, err := telemetry.Capture(s.params, res.Input)
	if err != nil {
		s.log.Printf("Warning: ciphertext telemetry unavailable: %v", err)
	}
	cur.snapshot = snap
}

// consume deletes the request that was read, leaving a newer request in place.
func (s *Server) consume(ctx context.Context, rec channel.Record) error {
	err := s.store.DeleteSeq(ctx, channel.Request, rec.Seq)
	switch {
	case err == nil, errors.Is(err, channel.ErrNotFound):
		return nil
	case errors.Is(err, channel.ErrSuperseded):
		s.log.Printf("Request replaced while processing (seq %d), keeping the new one", rec.Seq)
		return nil
	default:
		return fmt.Errorf("consume request: %w", err)
	}
}

func (s *Server) respond(ctx context.Context) error {
	cur := s.cur

	// The request goes first so it is never processed twice.
	if err := s.consume(ctx, cur.rec); err != nil {
		return err
	}

	if cur.failErr != nil {
		s.failures.Add(1)
		s.log.Printf("Error: %s: %v", cur.failCode, cur.failErr)
		payload := fmt.Sprintf("%s: %v", cur.failCode, cur.failErr)
		if _, err := s.store.Put(ctx, channel.Record{
			Name:    channel.Failure,
			ID:      uuid.NewV1().String(),
			Ref:     cur.rec.ID,
			Payload: []byte(payload),
		}); err != nil {
			return fmt.Errorf("publish failure: %w", err)
		}
		return nil
	}

	if _, err := s.store.Put(ctx, channel.Record{
		Name:    channel.Response,
		ID:      uuid.NewV1().String(),
		Ref:     cur.rec.ID,
		Payload: []byte(strconv.FormatFloat(cur.score, 'g', 10, 64)),
	}); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}
	s.responses.Add(1)
	s.log.Printf("Final score: %.10g", cur.score)

	if cur.snapshot != nil {
		if err := s.tel.Publish(ctx, cur.snapshot, [16]byte(cur.keys.ID), cur.rec.ID); err != nil {
			s.telErrors.Add(1)
			s.log.Printf("Warning: ciphertext telemetry not saved: %v", err)
		} else {
			s.log.Printf("Ciphertext info saved (%d bytes)", len(cur.snapshot.Binary))
		}
	}

	s.log.Printf("Result sent. Standby.")
	return nil
}
