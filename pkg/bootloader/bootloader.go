// Package bootloader signals a pending reboot after an install completes.
// Grounded on the reboot-after-install logic in the reference client's
// install flow: a flag is raised before every primary install whose target
// is not already installed, and the orchestrator checks it once per install
// cycle.
package bootloader

import (
	"os"

	"github.com/cuemby/nimbus-ota/pkg/log"
)

// Signaller raises, observes, and clears the pending-reboot flag. The flag
// itself is out of process: a real implementation would persist it to the
// same storage layer the rest of this module uses, or to a bootloader
// environment block; NoOp keeps it in memory only.
type Signaller interface {
	SetRebootFlag() error
	RebootPending() (bool, error)
	ClearRebootFlag() error
}

// NoOp tracks the reboot flag in memory, with no real bootloader
// integration. Sufficient for deployments where install never requires a
// reboot (the common case for a pure binary-replace package manager).
type NoOp struct {
	pending bool
}

func NewNoOp() *NoOp { return &NoOp{} }

func (n *NoOp) SetRebootFlag() error { n.pending = true; return nil }

func (n *NoOp) RebootPending() (bool, error) { return n.pending, nil }

func (n *NoOp) ClearRebootFlag() error { n.pending = false; return nil }

// TriggerReboot implements the original's "exit if parent pid is 1, else
// log" behaviour: under an init system (PID 1 as parent, i.e. running as
// PID 1's direct child inside a minimal container or as the init-adjacent
// supervisor) this process exits cleanly and expects its supervisor to
// restart it after the reboot completes; otherwise it only logs that a
// restart is required, since this process is not positioned to force one.
func TriggerReboot(s Signaller) error {
	pending, err := s.RebootPending()
	if err != nil || !pending {
		return err
	}
	if err := s.ClearRebootFlag(); err != nil {
		return err
	}
	if os.Getppid() == 1 {
		log.Info("reboot pending and parent is init, exiting for supervised restart")
		os.Exit(0)
	}
	log.Info("reboot pending, restart required")
	return nil
}
