// Package bootstrap reads the persisted seed-address file and schedules
// one-shot PING timers for each address, per §4.5/§6/§9's bootstrap/ping
// subsystem. The parser for the persisted file's exact byte format is
// explicitly named an external collaborator out of the core's scope
// (spec.md §1); the line-oriented "host:port per line" format used here is
// this module's own choice, since the original file format wasn't among
// the retrieved sources. What's grounded in the original is the behaviour
// around it: at most MaxAddresses entries become one-shot PING events
// (net/actions.c's kad_bootstrap and its BOOTSTRAP_NODES_LEN constant), and
// a missing or unreadable file is a warning, not a fatal error (§7).
package bootstrap

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"kadnode/event"
	"kadnode/logger"
	"kadnode/timer"
	"kadnode/util"
)

// MaxAddresses bounds how many seed addresses are read from the
// bootstrap file, mirroring the original's BOOTSTRAP_NODES_LEN.
const MaxAddresses = 64

// ReadAddresses parses path into at most MaxAddresses NodeInfos (id left
// zero: bootstrap seeds are known only by address until they respond to
// a ping and the routing table learns their id).
func ReadAddresses(path string) ([]util.NodeInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: opening %s: %w", path, err)
	}
	defer f.Close()

	var addrs []util.NodeInfo
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(addrs) < MaxAddresses {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, port, err := net.SplitHostPort(line)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: malformed address %q in %s: %w", line, path, err)
		}
		addrs = append(addrs, util.NodeInfo{Host: host, Service: port})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bootstrap: reading %s: %w", path, err)
	}
	return addrs, nil
}

// Schedule registers one one-shot PING timer per address, due
// immediately, so they fire on the very next IO loop iteration.
func Schedule(w *timer.Wheel, addrs []util.NodeInfo, now time.Time) {
	for _, a := range addrs {
		w.Add(&timer.Timer{
			Name:  "bootstrap-ping:" + a.Addr(),
			Once:  true,
			Next:  now,
			Event: event.Event{Kind: event.KindPingNode, Target: a},
		})
	}
}

// Load is the convenience entry point the IO loop's startup calls: a
// missing or unreadable file is logged as a warning and the node starts
// with an empty routing table, per §7's "Bootstrap file unreadable/
// missing" error kind.
func Load(path string, w *timer.Wheel, now time.Time, log logger.Logger) {
	addrs, err := ReadAddresses(path)
	if err != nil {
		log.Warningf("bootstrap: %v; starting with an empty routing table", err)
		return
	}
	Schedule(w, addrs, now)
	log.Infof("bootstrap: scheduled %d seed pings from %s", len(addrs), path)
}
