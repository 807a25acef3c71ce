// Command roomsyncd runs one role (host or client) of a listening room.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/roomsync-labs/roomsync/internal/calibration"
	"github.com/roomsync-labs/roomsync/internal/config"
	"github.com/roomsync-labs/roomsync/internal/decoder"
	"github.com/roomsync-labs/roomsync/internal/discovery"
	"github.com/roomsync-labs/roomsync/internal/facade"
	"github.com/roomsync-labs/roomsync/internal/keepsync"
	"github.com/roomsync-labs/roomsync/internal/transfer"
	"github.com/roomsync-labs/roomsync/internal/transport"
	"github.com/roomsync-labs/roomsync/internal/util"
	"github.com/roomsync-labs/roomsync/internal/wire"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("roomsyncd v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "host":
		fs := flag.NewFlagSet("host", flag.ExitOnError)
		track := fs.String("track", "", "path to the audio file to load and announce")
		name := fs.String("name", "", "room name override")
		fs.Parse(args[1:])
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: roomsyncd host <room-directory> [-track <file>] [-name <room>]")
			os.Exit(1)
		}
		runHost(fs.Arg(0), *track, *name)

	case "join":
		fs := flag.NewFlagSet("join", flag.ExitOnError)
		fs.Parse(args[1:])
		if fs.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: roomsyncd join <room-directory> <ws://host:port/ws>")
			os.Exit(1)
		}
		runJoin(fs.Arg(0), fs.Arg(1))

	case "discover":
		fs := flag.NewFlagSet("discover", flag.ExitOnError)
		timeout := fs.Duration("timeout", 3*time.Second, "how long to scan")
		fs.Parse(args[1:])
		runDiscover(*timeout)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("roomsyncd - synchronized room playback")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomsyncd host <directory> [-track <file>] [-name <room>]")
	fmt.Println("  roomsyncd join <directory> <ws://host:port/ws>")
	fmt.Println("  roomsyncd discover [-timeout <duration>]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  host <directory>")
	fmt.Println("        Run as the room Host. The directory holds roomsync.json,")
	fmt.Println("        the peer identity file, the calibration database, and")
	fmt.Println("        served track files.")
	fmt.Println()
	fmt.Println("  join <directory> <ws-addr>")
	fmt.Println("        Run as a room Client, connecting to a Host's websocket")
	fmt.Println("        address (e.g. ws://192.168.1.20:7890/ws).")
	fmt.Println()
	fmt.Println("  discover")
	fmt.Println("        Scan the LAN for advertised rooms and print what's found.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func runHost(dirArg, trackPath, nameOverride string) {
	absDir, cfg, roomID, peerID := bootstrap(dirArg, nameOverride, "host")

	tracksDir := util.ResolvePath(absDir, cfg.Network.TracksDir)
	if err := os.MkdirAll(tracksDir, 0o755); err != nil {
		log.Fatalf("create tracks directory: %v", err)
	}

	xfer := transfer.NewServer(cfg.Network.HTTPListenAddr, tracksDir)
	wsHost := transport.NewWSHost(cfg.Network.WSListenAddr, cfg.Network.WSPath)
	dec := decoder.NewSimulated()

	var disc discovery.Discovery
	if cfg.Discovery.Enabled {
		disc = discovery.NewMDNS()
	}

	h := facade.NewHost(roomID, peerID, wire.DeviceInfo{Platform: runtime.GOOS, AppVersion: appVersion}, wsHost, dec, xfer, disc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	printBanner("Host", absDir, cfgPath(absDir), roomID, cfg)

	if err := h.Run(ctx); err != nil {
		log.Fatalf("host failed to start: %v", err)
	}

	if disc != nil {
		wsPort := portOf(cfg.Network.WSListenAddr)
		httpPort := portOf(cfg.Network.HTTPListenAddr)
		if err := disc.Publish(ctx, discovery.DiscoveredRoom{
			RoomID:     roomID,
			RoomName:   cfg.Room.RoomName,
			WSPort:     wsPort,
			HTTPPort:   httpPort,
			AppVersion: appVersion,
			Codec:      "sim",
		}); err != nil {
			log.Printf("discovery publish failed: %v", err)
		}
	}

	if trackPath != "" {
		localPath, fileName, err := stageTrack(trackPath, tracksDir)
		if err != nil {
			log.Fatalf("stage track: %v", err)
		}
		trackURL := fmt.Sprintf("http://%s/tracks/%s", publicAddr(cfg.Network.HTTPListenAddr), fileName)
		if err := h.LoadTrack(uuid.NewString(), localPath, trackURL, fileName); err != nil {
			log.Fatalf("load track: %v", err)
		}
		log.Printf("Loaded track %s, starting playback in 3s", fileName)
		h.StartPlayback(3 * time.Second)
	}

	watcher, err := config.WatchFile(cfgPath(absDir), func(config.Config) {
		log.Println("config changed on disk; restart roomsyncd to apply network/role changes")
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	<-ctx.Done()
	log.Println("shutting down host")
	if err := h.Close(); err != nil {
		log.Printf("host close: %v", err)
	}
}

func runJoin(dirArg, hostAddr string) {
	absDir, cfg, roomID, peerID := bootstrap(dirArg, "", "client")

	tracksDir := util.ResolvePath(absDir, cfg.Network.TracksDir)
	if err := os.MkdirAll(tracksDir, 0o755); err != nil {
		log.Fatalf("create tracks directory: %v", err)
	}

	calDir := util.ResolvePath(absDir, cfg.Calibration.DBDir)
	store, err := calibration.Open(calDir)
	if err != nil {
		log.Fatalf("open calibration store: %v", err)
	}
	defer store.Close()

	calValues, err := store.Get(roomID)
	if err != nil {
		log.Fatalf("load calibration: %v", err)
	}

	ksCfg := buildKeepSyncConfig(cfg.KeepSync)
	dec := decoder.NewSimulated()
	wsClient := transport.NewWSClient()

	c := facade.NewClient(roomID, peerID, wire.DeviceInfo{Platform: runtime.GOOS, AppVersion: appVersion, IsIOS: cfg.KeepSync.IOSSafe}, wsClient, dec, tracksDir, ksCfg, calValues.TotalCompensationMs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	printBanner("Client", absDir, cfgPath(absDir), roomID, cfg)

	if err := c.Run(ctx, hostAddr); err != nil {
		log.Fatalf("join failed: %v", err)
	}

	watcher, err := config.WatchFile(cfgPath(absDir), func(config.Config) {
		log.Println("config changed on disk; restart roomsyncd to apply network/role changes")
	})
	if err != nil {
		log.Printf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	<-ctx.Done()
	log.Println("shutting down client")
	if err := c.Close(); err != nil {
		log.Printf("client close: %v", err)
	}
}

func runDiscover(timeout time.Duration) {
	disc := discovery.NewMDNS()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rooms, err := disc.Scan(ctx)
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}

	fmt.Printf("Scanning for rooms (%s)...\n", timeout)
	found := 0
	for room := range rooms {
		found++
		fmt.Printf("  %s  %-20s  ws=%s:%d  http=%s:%d  (%s)\n", room.RoomID, room.RoomName, room.HostIP, room.WSPort, room.HostIP, room.HTTPPort, room.AppVersion)
	}
	if found == 0 {
		fmt.Println("  no rooms found")
	}
}

// bootstrap loads (or creates) the room directory's config, persists a
// stable peer identity, and resolves the room ID.
func bootstrap(dirArg, nameOverride, role string) (absDir string, cfg config.Config, roomID, peerID string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("create room directory: %v", err)
	}

	cfg, created, err := config.Ensure(cfgPath(absDir))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath(absDir))
	}
	cfg.Room.DefaultRole = role
	if nameOverride != "" {
		cfg.Room.RoomName = nameOverride
	}

	peerID, err = loadOrCreatePeerID(util.ResolvePath(absDir, cfg.Identity.PeerIDFile))
	if err != nil {
		log.Fatalf("peer identity: %v", err)
	}

	roomID = cfg.Room.RoomName
	if roomID == "" {
		roomID = "default-room"
	}
	return absDir, cfg, roomID, peerID
}

func cfgPath(absDir string) string {
	return filepath.Join(absDir, "roomsync.json")
}

// loadOrCreatePeerID loads a stable peer ID from path, generating and
// saving a new one on first run.
func loadOrCreatePeerID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := string(data)
		if id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("save peer id: %w", err)
	}
	return id, nil
}

func buildKeepSyncConfig(ks config.KeepSync) keepsync.Config {
	var cfg keepsync.Config
	if ks.IOSSafe {
		cfg = keepsync.IOSSafe()
	} else {
		cfg = keepsync.Default()
	}
	cfg.DeadbandMs = ks.DeadbandMs
	cfg.SeekThresholdMs = ks.SeekThresholdMs
	cfg.MinSpeed = ks.MinSpeed
	cfg.MaxSpeed = ks.MaxSpeed
	return cfg
}

// stageTrack copies src into tracksDir if it doesn't already live there,
// returning the served path and file name.
func stageTrack(src, tracksDir string) (localPath, fileName string, err error) {
	fileName = filepath.Base(src)
	dst := filepath.Join(tracksDir, fileName)
	if filepath.Clean(filepath.Dir(src)) == filepath.Clean(tracksDir) {
		return src, fileName, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", "", err
	}
	return dst, fileName, nil
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// publicAddr turns a listen address like ":7891" into a connectable
// loopback address "127.0.0.1:7891" for local track URLs.
func publicAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func notifyShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nshutting down gracefully...")
		cancel()
	}()
}

func printBanner(role, dir, cfgFile, roomID string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    roomsyncd                            ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Role:       %s\n", role)
	fmt.Printf("Room:       %s\n", roomID)
	fmt.Printf("Directory:  %s\n", dir)
	fmt.Printf("Config:     %s\n", cfgFile)
	fmt.Printf("WS listen:  %s%s\n", cfg.Network.WSListenAddr, cfg.Network.WSPath)
	fmt.Printf("HTTP:       %s\n", cfg.Network.HTTPListenAddr)
	fmt.Println()
}
