package identity

import (
	"fmt"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
)

// Config assembles a System. Only Store is required.
type Config struct {
	Store *state.Store

	// Repo defaults to a SQLRepository in the store's database.
	Repo Repository

	// Auth defaults to AllowAll.
	Auth Authorizer

	Modules    engine.ModuleGate
	Properties engine.PropertyGate

	// IDs draws envelope ids for chained and resumed events. Defaults to
	// UUIDv7.
	IDs event.IDGenerator

	DispatcherOptions []engine.DispatcherOption
	AsyncOptions      []engine.AsyncOption
	ResumerOptions    []engine.ResumerOption
}

// System is the identity processors wired to one store: registry,
// dispatcher, chain propagator, async executor and resumer.
type System struct {
	Store      *state.Store
	Repo       Repository
	Cache      *MemoryCache
	Notifier   *MemoryNotifier
	Codec      *event.Codec
	Registry   *engine.Registry
	Dispatcher *engine.Dispatcher
	Chain      *engine.ChainPropagator
	Async      *engine.AsyncExecutor
	Resumer    *engine.Resumer
}

// NewSystem wires the processors and resumers of this package.
func NewSystem(cfg Config) (*System, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("new system: store is required")
	}
	if cfg.IDs == nil {
		cfg.IDs = event.DefaultIDs
	}

	codec := event.NewCodec()
	if err := RegisterCodec(codec); err != nil {
		return nil, fmt.Errorf("new system: %w", err)
	}

	repo := cfg.Repo
	if repo == nil {
		sqlRepo, err := OpenSQLRepository(cfg.Store.DB(), codec)
		if err != nil {
			return nil, fmt.Errorf("new system: %w", err)
		}
		repo = sqlRepo
	}

	var regOpts []engine.RegistryOption
	if cfg.Modules != nil {
		regOpts = append(regOpts, engine.WithModuleGate(cfg.Modules))
	}
	if cfg.Properties != nil {
		regOpts = append(regOpts, engine.WithPropertyGate(cfg.Properties))
	}
	registry := engine.NewRegistry(regOpts...)

	dispOpts := append([]engine.DispatcherOption{engine.WithChainLog(cfg.Store)}, cfg.DispatcherOptions...)
	dispatcher := engine.NewDispatcher(registry, dispOpts...)
	async := engine.NewAsyncExecutor(dispatcher, cfg.Store, codec, cfg.AsyncOptions...)
	chain := engine.NewChainPropagator(dispatcher,
		engine.WithAsyncExecutor(async),
		engine.WithPropagatorIDs(cfg.IDs),
	)

	sys := &System{
		Store:      cfg.Store,
		Repo:       repo,
		Cache:      &MemoryCache{},
		Notifier:   &MemoryNotifier{},
		Codec:      codec,
		Registry:   registry,
		Dispatcher: dispatcher,
		Chain:      chain,
		Async:      async,
		Resumer:    engine.NewResumer(cfg.Store, dispatcher, cfg.ResumerOptions...),
	}

	for _, h := range Processors(Deps{
		Repo:     repo,
		Auth:     cfg.Auth,
		Cache:    sys.Cache,
		Notifier: sys.Notifier,
		Pending:  cfg.Store,
		Chain:    chain,
	}) {
		if err := registry.Register(h); err != nil {
			return nil, fmt.Errorf("new system: %w", err)
		}
	}
	if err := RegisterResumers(sys.Resumer, repo, cfg.IDs); err != nil {
		return nil, fmt.Errorf("new system: %w", err)
	}
	return sys, nil
}
