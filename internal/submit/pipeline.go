// Package submit runs the build/sign/send/confirm pipeline for one
// execution attempt. It implements executor.Runner and is the only place
// that talks to the RPC node about a specific transaction.
package submit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"slotwork/internal/chain"
	"slotwork/internal/chain/rpc"
	"slotwork/internal/executor"
	"slotwork/internal/txbuild"
	"slotwork/pkg/logx"
)

type Config struct {
	// SkipPreflight sends without node-side simulation; the pipeline has
	// already simulated for sizing.
	SkipPreflight bool
	// ConfirmTimeout bounds the wait for a signature status before the
	// attempt is treated as expired.
	ConfirmTimeout time.Duration
	// PollInterval is the signature status poll cadence.
	PollInterval time.Duration
	// SendRetryMax bounds transport-level retries per RPC operation.
	SendRetryMax int
	// RetryBase and RetryMaxDelay shape the transport retry backoff.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SendRetryMax <= 0 {
		c.SendRetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	return c
}

type Pipeline struct {
	cfg     Config
	log     logx.Logger
	client  *rpc.Client
	builder *txbuild.Builder

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config, log logx.Logger, client *rpc.Client, builder *txbuild.Builder) *Pipeline {
	return &Pipeline{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("component", "submit")),
		client:  client,
		builder: builder,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs one attempt to completion. The returned outcome is final
// for this attempt; the scheduler decides whether a fresh attempt follows.
func (p *Pipeline) Execute(ctx context.Context, a *executor.Attempt) executor.Outcome {
	log := p.log.With(
		logx.String("attempt", a.ID),
		logx.String("task", a.TaskID.String()))

	bh, err := p.latestBlockhash(ctx)
	if err != nil {
		return outcomeForErr(err)
	}

	// Probe build at the compute ceiling, simulate to size the real
	// limit. A failed simulation means the trigger condition no longer
	// holds on the node's view, usually because another executor landed
	// first.
	probe, err := p.builder.Build(a.Task, bh.Hash, txbuild.MaxComputeUnits)
	if err != nil {
		// Build failures (oversized payload, uncompilable accounts) can
		// never succeed on retry.
		return executor.Outcome{Kind: executor.OutcomePermanent, Err: err}
	}
	sim, err := p.simulate(ctx, probe, a.ObservedSlot)
	if err != nil {
		return outcomeForErr(err)
	}
	if sim.Failed() {
		log.Debug("simulation rejected attempt",
			logx.String("sim_err", fmt.Sprintf("%v", sim.Err)))
		return executor.Outcome{
			Kind: executor.OutcomeRaceLost,
			Err:  fmt.Errorf("simulation: %v", sim.Err),
		}
	}

	tx, err := p.builder.Build(a.Task, bh.Hash, txbuild.SizeComputeLimit(sim.UnitsConsumed))
	if err != nil {
		return executor.Outcome{Kind: executor.OutcomePermanent, Err: err}
	}

	sig, err := p.send(ctx, tx)
	if err != nil {
		if rpc.IsBlockhashNotFound(err) {
			return executor.Outcome{Kind: executor.OutcomeExpired, Err: err}
		}
		return outcomeForErr(err)
	}
	log.Info("transaction submitted",
		logx.String("signature", sig.String()),
		logx.Uint64("units", sim.UnitsConsumed))

	return p.confirm(ctx, log, sig, bh.LastValidBlockHeight)
}

// confirm polls signature status until the transaction lands, the
// blockhash ages out, or the confirm timeout elapses.
func (p *Pipeline) confirm(ctx context.Context, log logx.Logger, sig chain.Signature, lastValid uint64) executor.Outcome {
	deadline := time.NewTimer(p.cfg.ConfirmTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return executor.Outcome{Kind: executor.OutcomeCanceled, Signature: sig, Err: ctx.Err()}
		case <-deadline.C:
			return executor.Outcome{Kind: executor.OutcomeExpired, Signature: sig,
				Err: errors.New("confirmation timed out")}
		case <-tick.C:
		}

		sts, err := p.client.GetSignatureStatuses(ctx, sig)
		if err != nil {
			log.Debug("status poll failed", logx.Err(err))
			continue
		}
		var st *rpc.SignatureStatus
		if len(sts) > 0 {
			st = sts[0]
		} else {
			log.Debug("status poll returned no entries")
		}
		if st == nil {
			// Not yet seen. If the blockhash can no longer be included
			// the transaction is dead and a rebuild is needed.
			height, err := p.client.GetBlockHeight(ctx)
			if err == nil && height > lastValid {
				return executor.Outcome{Kind: executor.OutcomeExpired, Signature: sig,
					Err: errors.New("blockhash expired unconfirmed")}
			}
			continue
		}
		if st.Failed() {
			// Landed but the program rejected it; the trigger was taken
			// by someone else between simulation and inclusion.
			return executor.Outcome{Kind: executor.OutcomeRaceLost, Signature: sig,
				Err: fmt.Errorf("on-chain error: %v", st.Err)}
		}
		switch st.ConfirmationStatus {
		case "confirmed", "finalized":
			return executor.Outcome{Kind: executor.OutcomeConfirmed, Signature: sig}
		}
	}
}

func (p *Pipeline) latestBlockhash(ctx context.Context) (rpc.Blockhash, error) {
	var bh rpc.Blockhash
	err := p.withRetry(ctx, "getLatestBlockhash", func() error {
		var err error
		bh, err = p.client.GetLatestBlockhash(ctx)
		return err
	})
	return bh, err
}

// simulate retries while the node's context slot lags the slot the task
// state was observed at; simulating against an older view would produce a
// spurious race-lost.
func (p *Pipeline) simulate(ctx context.Context, tx *chain.Transaction, minSlot uint64) (rpc.SimResult, error) {
	var res rpc.SimResult
	err := p.withRetry(ctx, "simulateTransaction", func() error {
		var err error
		res, err = p.client.SimulateTransaction(ctx, tx, rpc.SimulateOpts{
			ReplaceRecentBlockhash: true,
			MinContextSlot:         minSlot,
		})
		if rpc.IsMinContextSlotNotReached(err) {
			return fmt.Errorf("node behind observed slot %d: %w", minSlot, err)
		}
		return err
	})
	return res, err
}

func (p *Pipeline) send(ctx context.Context, tx *chain.Transaction) (chain.Signature, error) {
	var sig chain.Signature
	err := p.withRetry(ctx, "sendTransaction", func() error {
		var err error
		sig, err = p.client.SendTransaction(ctx, tx, p.cfg.SkipPreflight)
		if rpc.IsBlockhashNotFound(err) {
			// Retrying the same transaction cannot help; surface now.
			return noRetry{err}
		}
		return err
	})
	var nr noRetry
	if errors.As(err, &nr) {
		return sig, nr.err
	}
	return sig, err
}

type noRetry struct{ err error }

func (n noRetry) Error() string { return n.err.Error() }
func (n noRetry) Unwrap() error { return n.err }

// withRetry runs fn with bounded exponential backoff for transport-level
// failures. RPC-level errors other than min-context-slot are not retried;
// they mean the node answered and retrying the same call changes nothing.
func (p *Pipeline) withRetry(ctx context.Context, op string, fn func() error) error {
	var last error
	for attempt := 1; attempt <= p.cfg.SendRetryMax; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var nr noRetry
		if errors.As(err, &nr) {
			return err
		}
		if rpc.IsRPCError(err) && !rpc.IsMinContextSlotNotReached(err) {
			return err
		}
		last = err
		if attempt == p.cfg.SendRetryMax {
			break
		}
		delay := p.backoffDelay(attempt)
		p.log.Debug("rpc call failed, backing off",
			logx.String("op", op),
			logx.Int("retry", attempt),
			logx.Duration("delay", delay),
			logx.Err(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, last)
}

func (p *Pipeline) backoffDelay(retry int) time.Duration {
	d := p.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.cfg.RetryMaxDelay {
			d = p.cfg.RetryMaxDelay
			break
		}
	}
	p.mu.Lock()
	r := (p.rng.Float64()*2 - 1) * 0.2
	p.mu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > p.cfg.RetryMaxDelay {
		d = p.cfg.RetryMaxDelay
	}
	return d
}

func outcomeForErr(err error) executor.Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return executor.Outcome{Kind: executor.OutcomeCanceled, Err: err}
	}
	return executor.Outcome{Kind: executor.OutcomeTransient, Err: err}
}
