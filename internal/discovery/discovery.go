// Package discovery implements the Discovery collaborator contract (spec
// §6): publishing a local room on the LAN and scanning for rooms
// published by other hosts, using mDNS/DNS-SD.
package discovery

import "context"

// DiscoveredRoom is one room advertised on the local network.
type DiscoveredRoom struct {
	RoomID     string
	RoomName   string
	HostIP     string
	WSPort     int
	HTTPPort   int
	AppVersion string
	Codec      string
}

// Discovery is the collaborator contract. Publish/Unpublish advertise (or
// stop advertising) the local room; Scan streams rooms seen on the
// network until ctx is done.
type Discovery interface {
	Publish(ctx context.Context, room DiscoveredRoom) error
	Unpublish() error
	Scan(ctx context.Context) (<-chan DiscoveredRoom, error)
}
