package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eternalApril/ironcache/internal/config"
	"github.com/eternalApril/ironcache/internal/metrics"
	"github.com/eternalApril/ironcache/internal/persistence"
	"github.com/eternalApril/ironcache/internal/resp"
	"github.com/eternalApril/ironcache/internal/storage"
	"go.uber.org/zap"
)

// maxGCRounds bounds how many sampling rounds one GC tick may run back to back
const maxGCRounds = 16

// Engine coordinates the execution of commands and manages the background tasks of the keyspace
type Engine struct {
	commands    map[string]*command      // Registry of available commands (the key is the command name in uppercase)
	keyspace    *storage.Keyspace        // The single shared keyspace
	snapshotter *persistence.Snapshotter // nil when snapshots are disabled
	metrics     *metrics.Registry
	cfg         *config.Config
	logger      *zap.Logger

	cancel   context.CancelFunc // stops the background loops
	wg       sync.WaitGroup     // background loops and BGSAVE goroutines
	stopOnce sync.Once

	// closed is set by Shutdown before it waits on wg; no wg.Add happens after that
	lifecycleMu sync.Mutex
	closed      bool
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithKeyspace replaces the keyspace the engine serves
func WithKeyspace(ks *storage.Keyspace) EngineOption {
	return func(e *Engine) {
		e.keyspace = ks
	}
}

// WithMetrics replaces the metrics registry
func WithMetrics(m *metrics.Registry) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine initializes the engine and registers the commands. If snapshots are enabled the
// existing snapshot is loaded first; a corrupt snapshot is returned as an error.
// Then the enabled background loops are started: periodic snapshots and active expiration
func NewEngine(cfg *config.Config, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		commands: make(map[string]*command),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.keyspace == nil {
		e.keyspace = storage.New()
	}
	if e.metrics == nil {
		e.metrics = metrics.New(e.keyspace.Len)
	}

	e.registerBasicCommand()

	if cfg.Persistence.Snapshot.Enabled {
		e.snapshotter = persistence.NewSnapshotter(
			cfg.Persistence.Snapshot.Filename,
			logger,
			persistence.WithObserver(e.metrics),
		)

		if _, err := e.snapshotter.Load(e.keyspace); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if e.snapshotter != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.snapshotter.Run(ctx, e.keyspace, cfg.Persistence.Snapshot.Interval)
		}()
	}

	if cfg.GC.Enabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.startGCLoop(ctx)
		}()
	}

	return e, nil
}

// Keyspace returns the keyspace served by the engine
func (e *Engine) Keyspace() *storage.Keyspace {
	return e.keyspace
}

// Metrics returns the registry the engine reports to
func (e *Engine) Metrics() *metrics.Registry {
	return e.metrics
}

// startGCLoop triggers the active expiration mechanism.
// A round that finds more expired keys than the threshold is repeated immediately
func (e *Engine) startGCLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.GC.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for round := 0; round < maxGCRounds; round++ {
				removed, ratio := e.keyspace.DeleteExpired(e.cfg.GC.SamplesPerCheck)
				e.metrics.ExpiredReclaimed(removed)

				if removed > 0 && e.logger.Core().Enabled(zap.DebugLevel) {
					e.logger.Debug("GC delete expired",
						zap.Int("removed", removed),
						zap.Float64("expired_ratio", ratio),
					)
				}

				if ratio <= e.cfg.GC.MatchThreshold {
					break
				}
			}
		case <-ctx.Done():
			e.logger.Info("GC stopped")
			return
		}
	}
}

// register adds a command running inside a keyspace transaction
func (e *Engine) register(name string, h handlerFunc) {
	e.add(name, h, true)
}

// registerServer adds a command running outside the keyspace lock
func (e *Engine) registerServer(name string, h handlerFunc) {
	e.add(name, h, false)
}

func (e *Engine) add(name string, h handlerFunc, keyspace bool) {
	name = strings.ToUpper(name)
	meta, ok := commandRegistry[name]
	if !ok {
		panic("server: no metadata for command " + name)
	}
	e.commands[name] = &command{
		name:     name,
		meta:     meta,
		keyspace: keyspace,
		handler:  h,
	}
}

// registerBasicCommand fills the registry with standard commands
func (e *Engine) registerBasicCommand() {
	e.register("GET", get)
	e.register("SET", set)
	e.register("DEL", del)
	e.register("EXISTS", exists)
	e.register("EXPIRE", expire)
	e.register("TTL", ttl)
	e.register("PTTL", pttl)
	e.register("PERSIST", persist)

	e.register("LPUSH", lpush)
	e.register("RPUSH", rpush)
	e.register("LRANGE", lrange)
	e.register("LLEN", llen)

	e.register("HSET", hset)
	e.register("HGET", hget)
	e.register("HDEL", hdel)
	e.register("HLEN", hlen)
	e.register("HGETALL", hgetall)

	e.registerServer("PING", ping)
	e.registerServer("COMMAND", cmd)
	e.registerServer("DBSIZE", dbsize)
	e.registerServer("SAVE", save)
	e.registerServer("BGSAVE", bgsave)
}

// ExecuteLine runs one inline command: whitespace separated tokens, the first naming the command
func (e *Engine) ExecuteLine(line string) resp.Value {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errorReply(unknownCommand(""))
	}

	args := make([]resp.Value, len(fields)-1)
	for i, f := range fields[1:] {
		args[i] = resp.MakeBulkString(f)
	}

	return e.Execute(fields[0], args)
}

// Execute finds the command by name (case-insensitive) and executes it with the passed arguments.
// Every failure is returned as an error reply
func (e *Engine) Execute(name string, args []resp.Value) resp.Value {
	if e.logger.Core().Enabled(zap.DebugLevel) {
		// Log the command name and number of args
		e.logger.Debug("executing command",
			zap.String("cmd", name),
			zap.Int("args_count", len(args)),
		)
	}

	cmd, ok := e.commands[strings.ToUpper(name)]
	if !ok {
		e.metrics.UnknownCommand()
		return errorReply(unknownCommand(name))
	}

	start := time.Now()

	var (
		res resp.Value
		err error
	)
	if !cmd.arityOK(len(args) + 1) {
		err = arityError(cmd.name)
	} else {
		res, err = e.dispatch(cmd, args)
	}

	e.metrics.CommandExecuted(cmd.name, time.Since(start), err != nil)

	if err != nil {
		return errorReply(err)
	}
	return res
}

// dispatch runs the handler. A keyspace command holds the keyspace lock for its whole
// read-modify-write. A panicking handler becomes an error reply
func (e *Engine) dispatch(cmd *command, args []resp.Value) (res resp.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command panicked",
				zap.String("cmd", cmd.name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("internal error while executing '%s'", strings.ToLower(cmd.name))
		}
	}()

	c := &cmdContext{args: args, engine: e}

	if !cmd.keyspace {
		return cmd.handler(c)
	}

	e.keyspace.Update(func(tx *storage.Tx) {
		c.tx = tx
		res, err = cmd.handler(c)
	})
	return res, err
}

// Save forces a snapshot regardless of the dirty flag
func (e *Engine) Save() error {
	if e.snapshotter == nil {
		return errSnapshotsDisabled
	}
	if _, err := e.snapshotter.Save(e.keyspace, true); err != nil {
		return ioError(err)
	}
	return nil
}

// BackgroundSave starts a forced snapshot in its own goroutine
func (e *Engine) BackgroundSave() error {
	if e.snapshotter == nil {
		return errSnapshotsDisabled
	}

	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.closed {
		return errShuttingDown
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.snapshotter.Save(e.keyspace, true); err != nil {
			e.logger.Error("background save failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the background loops, waits for running saves and writes a final
// snapshot if the keyspace is dirty
func (e *Engine) Shutdown() error {
	var err error

	e.stopOnce.Do(func() {
		e.lifecycleMu.Lock()
		e.closed = true
		e.lifecycleMu.Unlock()

		e.cancel()
		e.wg.Wait()
		e.logger.Info("background processes stopped")

		if e.snapshotter == nil {
			return
		}

		var written bool
		written, err = e.snapshotter.Save(e.keyspace, false)
		if err != nil {
			e.logger.Error("final snapshot failed", zap.Error(err))
			return
		}
		if !written {
			e.logger.Info("keyspace clean, final snapshot skipped")
		}
	})

	return err
}
