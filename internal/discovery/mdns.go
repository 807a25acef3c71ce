package discovery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/libp2p/zeroconf/v2"

	"github.com/roomsync-labs/roomsync/internal/applog"
)

var log = applog.Get("discovery")

const (
	serviceName = "_roomsync._tcp"
	domain      = "local."
)

// MDNS is the default Discovery implementation, backed by mDNS/DNS-SD via
// zeroconf. TXT records carry the fields DiscoveredRoom needs beyond what
// a bare service instance exposes (ws/http ports, app version, codec).
type MDNS struct {
	server *zeroconf.Server
}

// NewMDNS creates an MDNS discovery client. It does not publish or scan
// until Publish/Scan are called.
func NewMDNS() *MDNS {
	return &MDNS{}
}

func (m *MDNS) Publish(ctx context.Context, room DiscoveredRoom) error {
	txt := []string{
		"roomId=" + room.RoomID,
		"roomName=" + room.RoomName,
		"wsPort=" + strconv.Itoa(room.WSPort),
		"httpPort=" + strconv.Itoa(room.HTTPPort),
		"appVersion=" + room.AppVersion,
		"codec=" + room.Codec,
	}

	srv, err := zeroconf.Register(room.RoomID, serviceName, domain, room.WSPort, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	m.server = srv

	go func() {
		<-ctx.Done()
		m.Unpublish()
	}()
	return nil
}

func (m *MDNS) Unpublish() error {
	if m.server == nil {
		return nil
	}
	m.server.Shutdown()
	m.server = nil
	return nil
}

func (m *MDNS) Scan(ctx context.Context) (<-chan DiscoveredRoom, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	out := make(chan DiscoveredRoom, 32)

	go func() {
		defer close(out)
		for entry := range entries {
			room, ok := fromEntry(entry)
			if !ok {
				continue
			}
			select {
			case out <- room:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := zeroconf.Browse(ctx, serviceName, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	return out, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) (DiscoveredRoom, bool) {
	fields := parseTXT(entry.Text)

	room := DiscoveredRoom{
		RoomID:     fields["roomId"],
		RoomName:   fields["roomName"],
		AppVersion: fields["appVersion"],
		Codec:      fields["codec"],
	}
	if len(entry.AddrIPv4) > 0 {
		room.HostIP = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		room.HostIP = entry.AddrIPv6[0].String()
	} else {
		log.Warnw("discovery entry has no address", "instance", entry.Instance)
		return DiscoveredRoom{}, false
	}

	room.WSPort = atoiOr(fields["wsPort"], entry.Port)
	room.HTTPPort = atoiOr(fields["httpPort"], 0)

	return room, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		for i := 0; i < len(r); i++ {
			if r[i] == '=' {
				out[r[:i]] = r[i+1:]
				break
			}
		}
	}
	return out
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
