// Package bridge is the long-lived client to the MT5 connector subprocess.
//
// The connector speaks line-delimited JSON on stdin/stdout. All calls
// serialize through one pipe; responses are correlated by a monotonically
// increasing requestId held in a pending map. Unsolicited price_update events
// refresh the per-symbol tick cache. Non-JSON stderr output is logged.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/almasgold/ttbroker/params"
	"github.com/almasgold/ttbroker/pkg/metrics"
)

var (
	ErrNotConnected = errors.New("bridge not connected")
	ErrTimeout      = errors.New("bridge request timed out")
)

const (
	maxCommentLen  = 26
	tradeRetries   = 3
	retryBackoff   = 1 * time.Second
	baseDeviation  = 20
	deviationWiden = 10
)

// Bridge owns the connector subprocess and its pipes. It is safe for
// concurrent use; writes to stdin are serialized.
type Bridge struct {
	cfg params.MT5
	log *zap.SugaredLogger

	wmu   sync.Mutex // guards stdin writes
	stdin io.WriteCloser
	cmd   *exec.Cmd

	nextID  atomic.Int64
	pmu     sync.Mutex
	pending map[int64]chan response

	cmu       sync.RWMutex
	connected bool
	ticks     map[string]*Tick
	symbols   map[string]*SymbolInfo

	// OnTick, if set before Start, receives every cached quote update
	// (solicited or event-driven). Used by the market data service.
	OnTick func(Tick)
}

// New creates a bridge for the configured connector command.
func New(cfg params.MT5, log *zap.SugaredLogger) *Bridge {
	return &Bridge{
		cfg:     cfg,
		log:     log,
		pending: make(map[int64]chan response),
		ticks:   make(map[string]*Tick),
		symbols: make(map[string]*SymbolInfo),
	}
}

// Start spawns the connector subprocess and begins reading its pipes.
func (b *Bridge) Start(ctx context.Context) error {
	parts := strings.Fields(b.cfg.BridgeCommand)
	if len(parts) == 0 {
		return fmt.Errorf("empty bridge command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("bridge stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("bridge stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("bridge start: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	go b.readLoop(stdout)
	go b.errLoop(stderr)

	b.log.Infow("bridge_started", "command", parts[0], "pid", cmd.Process.Pid)
	return nil
}

// Stop closes stdin and waits for the subprocess to exit.
func (b *Bridge) Stop() error {
	b.wmu.Lock()
	if b.stdin != nil {
		b.stdin.Close()
	}
	b.wmu.Unlock()
	if b.cmd != nil {
		return b.cmd.Wait()
	}
	return nil
}

func (b *Bridge) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			b.log.Warnw("bridge_bad_line", "line", string(line))
			continue
		}
		if resp.Type == "price_update" {
			var tick Tick
			if err := json.Unmarshal(resp.Data, &tick); err == nil {
				b.cacheTick(tick)
			}
			continue
		}
		b.pmu.Lock()
		ch, ok := b.pending[resp.RequestID]
		if ok {
			delete(b.pending, resp.RequestID)
		}
		b.pmu.Unlock()
		if ok {
			ch <- resp
		} else {
			b.log.Warnw("bridge_orphan_response", "request_id", resp.RequestID)
		}
	}
}

func (b *Bridge) errLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		b.log.Warnw("bridge_stderr", "line", scanner.Text())
	}
}

// rpc sends one request and waits for its response or the timeout. On
// timeout the pending slot is evicted so a late response is dropped.
func (b *Bridge) rpc(ctx context.Context, action string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	id := b.nextID.Add(1)

	msg := make(map[string]any, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["action"] = action
	msg["requestId"] = id

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')

	ch := make(chan response, 1)
	b.pmu.Lock()
	b.pending[id] = ch
	b.pmu.Unlock()

	b.wmu.Lock()
	if b.stdin == nil {
		b.wmu.Unlock()
		b.evict(id)
		return nil, ErrNotConnected
	}
	_, werr := b.stdin.Write(data)
	b.wmu.Unlock()
	if werr != nil {
		b.evict(id)
		metrics.IncBridgeRequest(action, "error")
		return nil, fmt.Errorf("bridge write: %w", werr)
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			metrics.IncBridgeRequest(action, "error")
			return resp.Data, fmt.Errorf("%s failed: %s", action, resp.Error)
		}
		metrics.IncBridgeRequest(action, "ok")
		return resp.Data, nil
	case <-time.After(timeout):
		b.evict(id)
		metrics.IncBridgeRequest(action, "timeout")
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, action, timeout)
	case <-ctx.Done():
		b.evict(id)
		return nil, ctx.Err()
	}
}

func (b *Bridge) evict(id int64) {
	b.pmu.Lock()
	delete(b.pending, id)
	b.pmu.Unlock()
}

// Connect logs in upstream. Idempotent: connecting twice is a no-op.
func (b *Bridge) Connect(ctx context.Context) error {
	b.cmu.RLock()
	already := b.connected
	b.cmu.RUnlock()
	if already {
		return nil
	}

	_, err := b.rpc(ctx, "connect", map[string]any{
		"server":   b.cfg.Server,
		"login":    b.cfg.Login,
		"password": b.cfg.Password,
	}, b.cfg.RequestTimeout)
	if err != nil {
		return err
	}

	b.cmu.Lock()
	b.connected = true
	b.cmu.Unlock()
	b.log.Infow("bridge_connected", "server", b.cfg.Server)
	return nil
}

// Disconnect logs out upstream.
func (b *Bridge) Disconnect(ctx context.Context) error {
	_, err := b.rpc(ctx, "disconnect", nil, b.cfg.RequestTimeout)
	b.cmu.Lock()
	b.connected = false
	b.cmu.Unlock()
	return err
}

// Connected reports the upstream login state.
func (b *Bridge) Connected() bool {
	b.cmu.RLock()
	defer b.cmu.RUnlock()
	return b.connected
}

// GetSymbols lists upstream symbol names.
func (b *Bridge) GetSymbols(ctx context.Context) ([]string, error) {
	data, err := b.rpc(ctx, "get_symbols", nil, b.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var symbols []string
	if err := json.Unmarshal(data, &symbols); err != nil {
		return nil, fmt.Errorf("get_symbols decode: %w", err)
	}
	return symbols, nil
}

// GetSymbolInfo fetches (and caches) upstream trading constraints.
func (b *Bridge) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	b.cmu.RLock()
	if info, ok := b.symbols[symbol]; ok {
		b.cmu.RUnlock()
		return info, nil
	}
	b.cmu.RUnlock()

	data, err := b.rpc(ctx, "get_symbol_info", map[string]any{"symbol": symbol}, b.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var info SymbolInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("get_symbol_info decode: %w", err)
	}

	b.cmu.Lock()
	b.symbols[symbol] = &info
	b.cmu.Unlock()
	return &info, nil
}

// GetPrice fetches a fresh tick, validating the symbol first, and caches it.
func (b *Bridge) GetPrice(ctx context.Context, symbol string) (*Tick, error) {
	if _, err := b.GetSymbolInfo(ctx, symbol); err != nil {
		return nil, err
	}

	data, err := b.rpc(ctx, "get_price", map[string]any{"symbol": symbol}, b.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var tick Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, fmt.Errorf("get_price decode: %w", err)
	}
	tick.Symbol = symbol
	b.cacheTick(tick)

	b.cmu.RLock()
	cached := b.ticks[symbol]
	b.cmu.RUnlock()
	return cached, nil
}

func (b *Bridge) cacheTick(tick Tick) {
	tick.LastUpdate = time.Now()
	b.cmu.Lock()
	b.ticks[tick.Symbol] = &tick
	b.cmu.Unlock()
	if b.OnTick != nil {
		b.OnTick(tick)
	}
}

// CachedTick returns the last cached tick for a symbol, if any.
func (b *Bridge) CachedTick(symbol string) (*Tick, bool) {
	b.cmu.RLock()
	defer b.cmu.RUnlock()
	tick, ok := b.ticks[symbol]
	if !ok {
		return nil, false
	}
	out := *tick
	return &out, true
}

// IsPriceFresh reports whether the cached tick is younger than maxAge.
func (b *Bridge) IsPriceFresh(symbol string, maxAge time.Duration) bool {
	b.cmu.RLock()
	defer b.cmu.RUnlock()
	tick, ok := b.ticks[symbol]
	return ok && time.Since(tick.LastUpdate) < maxAge
}

// PlaceTrade validates the request against symbol constraints and places a
// market order. Transient retcodes (10020, 10021) are retried up to three
// times with 1s back-off and a widened deviation.
func (b *Bridge) PlaceTrade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	info, err := b.GetSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if info.TradeMode == 0 {
		return nil, fmt.Errorf("symbol %s not tradable", req.Symbol)
	}

	volume, err := snapVolume(req.Volume, info)
	if err != nil {
		return nil, err
	}

	// Stop distances below the venue minimum are widened, not rejected.
	minStop := info.StopsLevel * info.Point
	sl := req.SLDistance
	tp := req.TPDistance
	if sl > 0 && sl < minStop {
		sl = minStop
	}
	if tp > 0 && tp < minStop {
		tp = minStop
	}

	comment := req.Comment
	if len(comment) > maxCommentLen {
		comment = comment[:maxCommentLen]
	}

	deviation := baseDeviation
	var lastErr error
	for attempt := 0; attempt < tradeRetries; attempt++ {
		if attempt > 0 {
			metrics.IncBridgeRetry()
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := b.rpc(ctx, "place_trade", map[string]any{
			"symbol":      req.Symbol,
			"volume":      volume,
			"type":        req.Type,
			"sl_distance": sl,
			"tp_distance": tp,
			"comment":     comment,
			"magic":       req.Magic,
			"deviation":   deviation,
		}, b.cfg.TradeTimeout)
		if err == nil {
			var result TradeResult
			if derr := json.Unmarshal(data, &result); derr != nil {
				return nil, fmt.Errorf("place_trade decode: %w", derr)
			}
			return &result, nil
		}

		lastErr = err
		if !transientFailure(data, err) {
			return nil, err
		}
		deviation += deviationWiden
		b.log.Warnw("place_trade_retry", "attempt", attempt+1, "deviation", deviation, "err", err)
	}
	return nil, fmt.Errorf("place_trade exhausted retries: %w", lastErr)
}

// transientFailure inspects a failed response for a retryable retcode.
func transientFailure(data json.RawMessage, err error) bool {
	if len(data) > 0 {
		var partial struct {
			Retcode int `json:"retcode"`
		}
		if json.Unmarshal(data, &partial) == nil && partial.Retcode != 0 {
			return IsTransientRetcode(partial.Retcode)
		}
	}
	msg := err.Error()
	return strings.Contains(msg, retcodeMessages[RetcodePricesChanged]) ||
		strings.Contains(msg, retcodeMessages[RetcodeInvalidRequest])
}

func snapVolume(volume float64, info *SymbolInfo) (float64, error) {
	if volume < info.VolumeMin {
		return 0, fmt.Errorf("volume %g below minimum %g", volume, info.VolumeMin)
	}
	if volume > info.VolumeMax {
		return 0, fmt.Errorf("volume %g exceeds maximum %g", volume, info.VolumeMax)
	}
	if info.VolumeStep > 0 {
		steps := int64(volume/info.VolumeStep + 0.5)
		volume = float64(steps) * info.VolumeStep
	}
	return volume, nil
}

// GetPositions lists open upstream positions.
func (b *Bridge) GetPositions(ctx context.Context) ([]Position, error) {
	data, err := b.rpc(ctx, "get_positions", nil, b.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("get_positions decode: %w", err)
	}
	return positions, nil
}

// CloseTrade closes an upstream position. The position is fetched first so
// the close uses the venue's authoritative volume. A ticket the venue no
// longer knows returns LikelyClosed without error.
func (b *Bridge) CloseTrade(ctx context.Context, req CloseRequest) (*CloseResult, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	var pos *Position
	for i := range positions {
		if positions[i].Ticket == req.Ticket {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		b.log.Infow("close_position_missing", "ticket", req.Ticket)
		return &CloseResult{Success: false, LikelyClosed: true}, nil
	}

	volume := req.Volume
	if volume <= 0 || volume > pos.Volume {
		volume = pos.Volume
	}

	data, err := b.rpc(ctx, "close_trade", map[string]any{
		"ticket": req.Ticket,
		"symbol": pos.Symbol,
		"volume": volume,
		"type":   pos.Type,
	}, b.cfg.TradeTimeout)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return &CloseResult{Success: false, LikelyClosed: true}, nil
		}
		return nil, err
	}

	var result CloseResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("close_trade decode: %w", err)
	}
	result.Success = true
	return &result, nil
}

// Health summarizes the bridge for the health endpoint.
func (b *Bridge) Health() map[string]any {
	b.cmu.RLock()
	defer b.cmu.RUnlock()
	ages := make(map[string]int64, len(b.ticks))
	for sym, tick := range b.ticks {
		ages[sym] = time.Since(tick.LastUpdate).Milliseconds()
	}
	return map[string]any{
		"connected":    b.connected,
		"tick_age_ms":  ages,
		"symbol_cache": len(b.symbols),
	}
}
