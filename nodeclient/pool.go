// Package nodeclient implements the pooled, failover-aware upstream node
// client described in spec.md §4.1. Endpoint health tracking and failover
// ordering are grounded on the teacher's core/failover_recovery.go
// (FailoverNode's "propose a view change when the leader is unresponsive"
// vocabulary, reshaped here from consensus leadership to RPC endpoint
// selection) and the peer bookkeeping in core/network.go.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trongateway-core/config"
	"trongateway-core/core"
)

const (
	defaultCooldown           = 30 * time.Second
	defaultPerEndpointInFlight = 32
	defaultTotalInFlight       = 128
	consecutiveFailureLimit    = 3
)

// Endpoint is one upstream RPC endpoint in the pool.
type Endpoint struct {
	URL        string
	Priority   int
	Timeout    time.Duration
	Credential string

	mu              sync.Mutex
	consecutiveFail int
	suspendedUntil  time.Time
	inFlight        int
}

func (e *Endpoint) suspended(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Before(e.suspendedUntil)
}

func (e *Endpoint) recordFailure(now time.Time, cooldown time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFail++
	if e.consecutiveFail >= consecutiveFailureLimit {
		e.suspendedUntil = now.Add(cooldown)
	}
}

func (e *Endpoint) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFail = 0
	e.suspendedUntil = time.Time{}
}

func (e *Endpoint) acquire(max int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight >= max {
		return false
	}
	e.inFlight++
	return true
}

func (e *Endpoint) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight--
}

// Pool is an ordered set of endpoints with failover, per-endpoint and
// total in-flight bounds, and a small token-decimals cache for the
// numeric contract in spec.md §4.1.
type Pool struct {
	endpoints []*Endpoint
	client    *http.Client

	perEndpointMax int
	totalMax       int

	mu        sync.Mutex
	totalInFl int
	capacityC *sync.Cond

	decimalsCache sync.Map // core.Address -> decimalsMemo
	log           *logrus.Entry
}

// NewPool builds a Pool from configuration, ordering endpoints by
// ascending Priority (lower value = tried first), matching the teacher's
// convention of an explicit ordered peer list rather than random
// selection.
func NewPool(nodes []config.NodeEndpoint) *Pool {
	p := &Pool{
		perEndpointMax: defaultPerEndpointInFlight,
		totalMax:       defaultTotalInFlight,
		client:         &http.Client{},
		log:            logrus.WithField("component", "nodeclient"),
	}
	p.capacityC = sync.NewCond(&p.mu)
	sorted := append([]config.NodeEndpoint{}, nodes...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].Priority < sorted[i].Priority {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	for _, n := range sorted {
		timeout := n.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		p.endpoints = append(p.endpoints, &Endpoint{URL: n.URL, Priority: n.Priority, Timeout: timeout, Credential: n.Credential})
	}
	return p
}

// acquireCapacity blocks until a total in-flight slot is free. This is the
// upstream back-pressure signal spec.md §4.1 describes: exceeding the
// total bound suspends the calling component (Scanner) until capacity
// frees.
func (p *Pool) acquireCapacity(ctx context.Context) error {
	p.mu.Lock()
	for p.totalInFl >= p.totalMax {
		done := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(done)
		}()
		waitCh := make(chan struct{})
		go func() {
			p.mu.Lock()
			for p.totalInFl >= p.totalMax {
				p.capacityC.Wait()
			}
			p.mu.Unlock()
			close(waitCh)
		}()
		p.mu.Unlock()
		select {
		case <-waitCh:
		case <-done:
		}
		p.mu.Lock()
		if ctx.Err() != nil {
			p.mu.Unlock()
			return ctx.Err()
		}
	}
	p.totalInFl++
	p.mu.Unlock()
	return nil
}

func (p *Pool) releaseCapacity() {
	p.mu.Lock()
	p.totalInFl--
	p.capacityC.Broadcast()
	p.mu.Unlock()
}

// call performs an RPC call against the pool, trying endpoints in
// priority order, skipping suspended ones, failing over on transport
// error, non-2xx, timeout, or parse error.
func (p *Pool) call(ctx context.Context, method string, params any, out any) error {
	if err := p.acquireCapacity(ctx); err != nil {
		return err
	}
	defer p.releaseCapacity()

	now := time.Now()
	var lastErr error
	tried := 0
	for _, ep := range p.endpoints {
		if ep.suspended(now) {
			continue
		}
		if !ep.acquire(p.perEndpointMax) {
			continue
		}
		tried++
		err := p.callEndpoint(ctx, ep, method, params, out)
		ep.release()
		if err == nil {
			ep.recordSuccess()
			return nil
		}
		lastErr = err
		ep.recordFailure(time.Now(), defaultCooldown)
		p.log.WithError(err).WithField("endpoint", ep.URL).Warn("endpoint call failed, failing over")
	}
	if tried == 0 {
		return core.NewError(core.ErrUpstreamUnavailable, fmt.Errorf("no usable endpoints"))
	}
	return core.NewError(core.ErrUpstreamUnavailable, lastErr)
}

func (p *Pool) callEndpoint(ctx context.Context, ep *Endpoint, method string, params any, out any) error {
	cctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Credential)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return core.NewError(core.ErrParseMalformed, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc error: %s", envelope.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return core.NewError(core.ErrParseMalformed, err)
	}
	return nil
}

