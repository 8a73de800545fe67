package netlink

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/enbility/zeroconf/v3"
	"github.com/srg/linkmgr/internal/adapter/kit"
	"github.com/srg/linkmgr/pkg/transport"
)

// txtApps is the TXT key listing the application ids a device serves.
const txtApps = "apps"

// service is one resolved mDNS instance.
type service struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     []string
}

type browseFunc func(ctx context.Context, serviceType, domain string, found func(service)) error

type registerFunc func(instance, serviceType, domain string, port int, txt []string) (shutdown func(), err error)

// browseMDNS resolves instances of serviceType until ctx ends.
func browseMDNS(ctx context.Context, serviceType, domain string, found func(service)) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Browse(ctx, serviceType, domain, entries, removed)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			found(serviceFromEntry(entry))
		case <-removed:
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("mdns browse %s: %w", serviceType, err)
			}
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func serviceFromEntry(entry *zeroconf.ServiceEntry) service {
	addrs := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	addrs = append(addrs, entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)
	return service{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		Addrs:    addrs,
		Text:     entry.Text,
	}
}

func registerMDNS(ttl uint32) registerFunc {
	return func(instance, serviceType, domain string, port int, txt []string) (func(), error) {
		var opts []zeroconf.ServerOption
		if ttl > 0 {
			opts = append(opts, zeroconf.TTL(ttl))
		}
		server, err := zeroconf.Register(instance, serviceType, domain, port, txt, nil, opts...)
		if err != nil {
			return nil, fmt.Errorf("mdns register %s: %w", serviceType, err)
		}
		return server.Shutdown, nil
	}
}

// peer converts a resolved instance into a dialable peer. Instances without
// an address are skipped.
func (s service) peer() (kit.Peer, bool) {
	if len(s.Addrs) == 0 || s.Port <= 0 {
		return kit.Peer{}, false
	}
	return kit.Peer{
		Address: net.JoinHostPort(s.Addrs[0].String(), strconv.Itoa(s.Port)),
		Name:    s.Instance,
		Apps:    parseApps(s.Text),
	}, true
}

// parseApps reads "apps=1,2" from TXT strings. Unparsable ids are ignored.
func parseApps(txt []string) []transport.ApplicationHandle {
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key != txtApps {
			continue
		}
		var apps []transport.ApplicationHandle
		for _, field := range strings.Split(value, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(field), 10, 32)
			if err != nil {
				continue
			}
			apps = append(apps, transport.ApplicationHandle(id))
		}
		return apps
	}
	return nil
}

func formatApps(apps []transport.ApplicationHandle) string {
	ids := make([]string, 0, len(apps))
	for _, app := range apps {
		ids = append(ids, strconv.Itoa(int(app)))
	}
	return txtApps + "=" + strings.Join(ids, ",")
}
