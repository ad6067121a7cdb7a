// Package systemd reports service state to systemd over the notify socket.
//
// Outside a systemd unit (no NOTIFY_SOCKET) every call is a cheap no-op.
package systemd

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "periodic/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	return &Notifier{log: log}
}

func (n *Notifier) Ready() error     { return n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Reloading() error { return n.notify(daemon.SdNotifyReloading) }
func (n *Notifier) Stopping() error  { return n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Watchdog() error  { return n.notify(daemon.SdNotifyWatchdog) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) error {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval returns the unit's WatchdogSec, or 0 when the watchdog is
// off or not meant for this process.
func (n *Notifier) WatchdogInterval() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

func (n *Notifier) notify(state string) error {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return err
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
	return nil
}
