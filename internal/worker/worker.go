// Package worker runs on each compute node. It handles:
//   - Registration with the coordinator over the event channel
//   - Heartbeat loop (periodic liveness signals, 30s cadence)
//   - Signaling relay (answering session offers with the node's data endpoint)
//   - The peer data channel (secure-channel bootstrap and task execution)
//   - Automatic reconnection with exponential backoff + jitter on any failure
//
// The Manager speaks the same frame shapes the coordinator's hub dispatches,
// and the PeerServer terminates one client session per connection.
package worker

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config holds all parameters needed to join the fabric.
type Config struct {
	// SignalingURL is the coordinator's event-channel endpoint
	// (e.g. "ws://localhost:8080/ws").
	SignalingURL string
	// DataAddr is the listen address of the peer data channel
	// (e.g. ":9443").
	DataAddr string
	// AdvertiseEndpoint is the address clients dial for the data channel.
	// Defaults to DataAddr when empty.
	AdvertiseEndpoint string
	// NodeID is the stable node identity presented on registration.
	NodeID string
	// GPU is the GPU model string advertised to the registry, "N/A" if none.
	GPU string
	// VRAMGB is the advertised GPU memory.
	VRAMGB int
	// Tags are the capability tags (job modes this node accepts).
	Tags []string
	// Version is the worker binary version.
	Version string
}

// descriptor is the registration payload. Field names match what the
// coordinator's registry expects on the wire.
type descriptor struct {
	NodeID     string   `json:"node_id"`
	DeviceName string   `json:"device"`
	GPU        string   `json:"gpu"`
	VRAMGB     int      `json:"vram_gb"`
	Tags       []string `json:"tags"`
	Endpoint   string   `json:"endpoint"`
	ChannelID  string   `json:"channel_id"`
	CPUCount   int      `json:"cpu_count,omitempty"`
	MemoryMB   uint64   `json:"memory_mb,omitempty"`
	Platform   string   `json:"platform,omitempty"`
}

// buildDescriptor collects host facts and merges them with the static config.
// Fact collection is best-effort: a host without gopsutil support still
// registers, just with less detail.
func buildDescriptor(cfg Config) descriptor {
	d := descriptor{
		NodeID:   cfg.NodeID,
		GPU:      cfg.GPU,
		VRAMGB:   cfg.VRAMGB,
		Tags:     cfg.Tags,
		Endpoint: advertiseEndpoint(cfg),
	}

	if info, err := host.Info(); err == nil {
		d.DeviceName = info.Hostname
		d.Platform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}
	if d.DeviceName == "" {
		if hn, err := os.Hostname(); err == nil {
			d.DeviceName = hn
		}
	}
	if count, err := cpu.Counts(true); err == nil {
		d.CPUCount = count
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		d.MemoryMB = vm.Total / (1 << 20)
	}
	return d
}

// heartbeatMetrics is the utilization snapshot attached to each heartbeat so
// the coordinator can display node load.
type heartbeatMetrics struct {
	NodeID         string  `json:"node_id"`
	MemUsedPercent float64 `json:"mem_used_percent,omitempty"`
}

func collectHeartbeat(nodeID string) heartbeatMetrics {
	hm := heartbeatMetrics{NodeID: nodeID}
	if vm, err := mem.VirtualMemory(); err == nil {
		hm.MemUsedPercent = vm.UsedPercent
	}
	return hm
}

func advertiseEndpoint(cfg Config) string {
	if cfg.AdvertiseEndpoint != "" {
		return cfg.AdvertiseEndpoint
	}
	return cfg.DataAddr
}
