package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/relaymd/internal/attachment"
	"github.com/agentworkforce/relaymd/internal/config"
	"github.com/agentworkforce/relaymd/internal/decorate"
	"github.com/agentworkforce/relaymd/internal/editor"
	"github.com/agentworkforce/relaymd/internal/mount"
	"github.com/agentworkforce/relaymd/internal/syncengine"
	"github.com/agentworkforce/relaymd/internal/transport"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.LoadEditor(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	r, err := newRunner(cfg, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize editor mount: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := r.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relaymd-mount: %v", err)
	}
}

type hostTransport interface {
	syncengine.Transport
	editor.LayoutSink
	Run(ctx context.Context) error
}

// runner wires one local file to one host document.
type runner struct {
	cfg     config.EditorConfig
	logger  *log.Logger
	outbox  transport.Outbox
	poller  *transport.HTTPTransport
	host    hostTransport
	session *editor.Session
	mount   *mount.Mount
}

func newRunner(cfg config.EditorConfig, logger *log.Logger) (*runner, error) {
	outbox, err := transport.BuildOutboxFromDSN(cfg.OutboxDSN, cfg.OutboxSize)
	if err != nil {
		return nil, err
	}
	r := &runner{cfg: cfg, logger: logger, outbox: outbox}

	// The http transport always serves the initial read, and carries edits
	// too when it is the configured transport.
	r.poller, err = transport.NewHTTPTransport(transport.HTTPOptions{
		BaseURL:    cfg.HostURL,
		Token:      cfg.Token,
		DocumentID: cfg.DocumentID,
		Outbox:     outbox,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	r.host = r.poller
	if cfg.Transport == "ws" {
		wsURL, err := transport.WebSocketURL(cfg.HostURL, cfg.DocumentID)
		if err != nil {
			return nil, err
		}
		ws, err := transport.NewWebSocketTransport(transport.WebSocketOptions{
			URL:          wsURL,
			Token:        cfg.Token,
			Outbox:       outbox,
			OnHostUpdate: r.onHostUpdate,
			OnLayout:     r.onLayout,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		r.host = ws
	}

	r.session, err = editor.NewSession(editor.Options{
		Engine: syncengine.Options{
			DebounceDelay:      cfg.Debounce,
			DisableAttachments: !cfg.AttachmentsEnabled,
			Transport:          r.host,
			SendTimeout:        cfg.Timeout,
		},
		Scanner: decorate.Options{Threshold: cfg.CollapseThreshold},
		Reader:  attachment.Reader{MaxBytes: cfg.MaxAttachmentBytes},
		Layout:  r.host,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	r.mount, err = mount.New(mount.Options{
		Session:   r.session,
		LocalFile: cfg.LocalFile,
		DropDir:   cfg.DropDir,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *runner) onHostUpdate(value syncengine.HostValue, revision int64) {
	if err := r.mount.ApplyHost(value); err != nil {
		r.logger.Printf("apply host revision %d failed: %v", revision, err)
	}
}

// onLayout adopts a height another session reported to the host.
func (r *runner) onLayout(height int) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	if err := r.session.SetHeight(ctx, height); err != nil {
		r.logger.Printf("apply host layout failed: %v", err)
	}
}

func (r *runner) run(ctx context.Context) error {
	if err := r.initialize(ctx); err != nil {
		return err
	}
	heightCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	if err := r.session.SetHeight(heightCtx, r.cfg.Height); err != nil {
		r.logger.Printf("report height failed: %v", err)
	}
	cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.host.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("transport stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := r.mount.Run(ctx); err != nil {
			r.logger.Printf("mount watcher stopped: %v", err)
		}
	}()
	if r.cfg.Transport == "http" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.pollLoop(ctx)
		}()
	}
	r.logger.Printf("editing %s as %s via %s", r.cfg.DocumentID, r.mount.LocalFile(), r.cfg.Transport)

	<-ctx.Done()
	wg.Wait()
	r.logger.Printf("mount stopping: %v", ctx.Err())
	return r.shutdown()
}

// initialize reads the host value, retrying until the host answers.
func (r *runner) initialize(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		pollCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		remote, err := r.poller.Poll(pollCtx)
		cancel()
		if err == nil {
			return r.mount.Initialize(remote.Content)
		}
		r.logger.Printf("initial read failed (attempt %d): %v", attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

func (r *runner) pollLoop(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(r.cfg.PollInterval, r.cfg.PollJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.pollOnce(ctx)
			timer.Reset(jitteredIntervalWithSample(r.cfg.PollInterval, r.cfg.PollJitter, rng.Float64()))
		}
	}
}

func (r *runner) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	remote, err := r.poller.Poll(pollCtx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Printf("poll failed: %v", err)
		}
		return
	}
	if err := r.mount.ApplyHost(remote.Content); err != nil {
		r.logger.Printf("apply host revision %d failed: %v", remote.Revision, err)
	}
}

// shutdown sends any pending edit. Envelopes the http transport cannot
// deliver in time, and anything queued for the websocket, stay in the
// outbox for the next run when it is file backed.
func (r *runner) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	if err := r.session.Close(ctx); err != nil {
		r.logger.Printf("final flush failed: %v", err)
	}
	if r.cfg.Transport == "http" {
		if err := r.poller.Drain(ctx); err != nil {
			r.logger.Printf("drain failed: %v", err)
		}
	}
	if depth := r.outbox.Depth(); depth > 0 {
		r.logger.Printf("%d envelopes left in the outbox", depth)
	}
	return r.outbox.Close()
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = config.ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
