// Package orchestrator implements the top-level update state machine: a
// single cooperative agent that polls the Director and Images
// repositories, verifies their metadata chains, decides which targets
// changed, downloads and installs them, and reports the outcome back as a
// signed vehicle manifest. Its Start/Stop/run shape (a ticker-driven
// background goroutine, a stopCh, a command channel drained one command at
// a time, structured per-iteration logging) follows the same triad this
// codebase's other periodic background-loop components use.
package orchestrator

import (
	"context"
	"crypto"
	"sync"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/bootloader"
	"github.com/cuemby/nimbus-ota/pkg/events"
	"github.com/cuemby/nimbus-ota/pkg/fetcher"
	"github.com/cuemby/nimbus-ota/pkg/log"
	"github.com/cuemby/nimbus-ota/pkg/manifest"
	"github.com/cuemby/nimbus-ota/pkg/pacman"
	"github.com/cuemby/nimbus-ota/pkg/secondary"
	"github.com/cuemby/nimbus-ota/pkg/store"
	"github.com/cuemby/nimbus-ota/pkg/types"
	"github.com/cuemby/nimbus-ota/pkg/uptane"
)

// State names one node of the orchestrator's state machine.
type State string

const (
	StateUnprovisioned State = "unprovisioned"
	StateIdle          State = "idle"
	StateFetching      State = "fetching"
	StateVerifying     State = "verifying"
	StateDownloading   State = "downloading"
	StateInstalling    State = "installing"
	StateReporting     State = "reporting"
	StateError         State = "error"
	StateShutdown      State = "shutdown"
)

// commandKind tags a queued command.
type commandKind int

const (
	cmdCheckForUpdates commandKind = iota
	cmdInstall
	cmdShutdown
)

type command struct {
	kind    commandKind
	targets []types.Target
	done    chan error
}

// Config wires every collaborator the orchestrator drives.
type Config struct {
	PrimarySerial  types.EcuSerial
	PrimaryHwID    types.HardwareIdentifier
	PrimaryPriv    crypto.Signer
	PrimaryKeyID   string
	PrimaryMethod  types.SignatureMethod
	PackageManager pacman.PackageManager

	Store   store.Store
	Fetcher *fetcher.Fetcher
	Bus     *secondary.Bus
	Broker  *events.Broker

	Bootloader bootloader.Signaller

	PollingInterval time.Duration

	// ContinueOnMetadataFailure resolves the first Open Question from the
	// design notes: a secondary whose metadata push fails still receives
	// its firmware send this cycle when true (the default).
	ContinueOnMetadataFailure bool

	// OSTreeCredentialsArchive is the pre-built TLS credentials tar sent
	// as the firmware payload to any secondary whose assigned target is
	// the zero-length OSTree marker.
	OSTreeCredentialsArchive []byte
}

// Orchestrator drives uptaneIteration and uptaneInstall against a single
// primary controller and its attached secondaries.
type Orchestrator struct {
	cfg      Config
	director *uptane.DirectorRepo
	images   *uptane.ImagesRepo
	builder  *manifest.Builder

	mu             sync.Mutex
	state          State
	pendingTargets []types.Target

	commandCh chan command
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates an Orchestrator in the Unprovisioned state.
func New(cfg Config) *Orchestrator {
	if cfg.Bootloader == nil {
		cfg.Bootloader = bootloader.NewNoOp()
	}
	return &Orchestrator{
		cfg:      cfg,
		director: uptane.NewDirectorRepo(),
		images:   uptane.NewImagesRepo(),
		builder: &manifest.Builder{
			PrimarySerial:  cfg.PrimarySerial,
			PrimaryPriv:    cfg.PrimaryPriv,
			PrimaryKeyID:   cfg.PrimaryKeyID,
			PrimaryMethod:  cfg.PrimaryMethod,
			PackageManager: cfg.PackageManager,
		},
		state:     StateUnprovisioned,
		commandCh: make(chan command, 8),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// State reports the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Start launches the background command loop and the periodic
// CheckForUpdates timer. Provisioning (loading or minting the primary's
// identity) is expected to have already happened via Store before Start is
// called; the orchestrator moves itself to Idle on its first loop tick.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.run(ctx)
	if o.cfg.PollingInterval > 0 {
		go o.tick(ctx)
	}
}

// Stop enqueues Shutdown and blocks until the run loop exits.
func (o *Orchestrator) Stop() {
	o.enqueue(command{kind: cmdShutdown})
	<-o.doneCh
}

func (o *Orchestrator) tick(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.enqueue(command{kind: cmdCheckForUpdates})
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) enqueue(cmd command) {
	select {
	case o.commandCh <- cmd:
	case <-o.stopCh:
	}
}

// CheckForUpdates enqueues one uptaneIteration and blocks until it
// completes.
func (o *Orchestrator) CheckForUpdates() error {
	done := make(chan error, 1)
	o.enqueue(command{kind: cmdCheckForUpdates, done: done})
	return <-done
}

// Install enqueues one uptaneInstall over the given targets and blocks
// until it completes.
func (o *Orchestrator) Install(targets []types.Target) error {
	done := make(chan error, 1)
	o.enqueue(command{kind: cmdInstall, targets: targets, done: done})
	return <-done
}

// run is the orchestrator's single cooperative-agent loop: commands are
// drained strictly one at a time, in FIFO order.
func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneCh)
	o.setState(StateIdle)
	for {
		select {
		case cmd := <-o.commandCh:
			err := o.handle(ctx, cmd)
			if cmd.done != nil {
				cmd.done <- err
			}
			if cmd.kind == cmdShutdown {
				o.setState(StateShutdown)
				close(o.stopCh)
				return
			}
		case <-ctx.Done():
			o.setState(StateShutdown)
			close(o.stopCh)
			return
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdCheckForUpdates:
		err := o.uptaneIteration(ctx)
		if err != nil {
			log.WithComponent("orchestrator").Error().Err(err).Msg("uptaneIteration failed")
			o.setState(StateError)
			o.setState(StateIdle)
			return err
		}
		o.setState(StateIdle)
		return nil
	case cmdInstall:
		o.pendingTargets = cmd.targets
		err := o.uptaneInstall(ctx)
		if err != nil {
			log.WithComponent("orchestrator").Error().Err(err).Msg("uptaneInstall failed")
			o.setState(StateError)
			o.setState(StateIdle)
			return err
		}
		o.setState(StateIdle)
		return nil
	case cmdShutdown:
		return nil
	default:
		return nil
	}
}
