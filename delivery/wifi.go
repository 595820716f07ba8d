package delivery

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// NMCLI joins Wi-Fi through NetworkManager and drops the link afterwards so
// the radio is off while the station sleeps.
type NMCLI struct {
	Interface string
	run       runner
}

func NewNMCLI(iface string) *NMCLI {
	return &NMCLI{Interface: iface, run: execRunner}
}

func (n *NMCLI) Connect(ctx context.Context, ssid, password string) error {
	if ssid == "" {
		return errors.New("no ssid configured")
	}
	args := []string{}
	if deadline, ok := ctx.Deadline(); ok {
		secs := int(time.Until(deadline).Seconds())
		if secs < 1 {
			secs = 1
		}
		args = append(args, "--wait", strconv.Itoa(secs))
	}
	args = append(args, "device", "wifi", "connect", ssid)
	if password != "" {
		args = append(args, "password", password)
	}
	if n.Interface != "" {
		args = append(args, "ifname", n.Interface)
	}
	out, err := n.run(ctx, "nmcli", args...)
	if err != nil {
		return errors.Wrapf(err, "join [%v]: %v", ssid, strings.TrimSpace(string(out)))
	}
	logger.WithField("subsystem", "delivery").Infof("Joined [%v]", ssid)
	return nil
}

func (n *NMCLI) Disconnect() error {
	if n.Interface == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := n.run(ctx, "nmcli", "device", "disconnect", n.Interface)
	if err != nil {
		return errors.Wrapf(err, "disconnect [%v]: %v", n.Interface, strings.TrimSpace(string(out)))
	}
	return nil
}

// Wired is an always-up link, for stations on ethernet.
type Wired struct{}

func (Wired) Connect(context.Context, string, string) error { return nil }
func (Wired) Disconnect() error                             { return nil }
