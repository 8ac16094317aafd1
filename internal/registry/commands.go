package registry

import (
	"time"

	"github.com/Lybley/lifeos-sub001/internal/domain"
)

type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type addConnectionCmd struct {
	baseRegistryCmd
	id    string
	meta  domain.ConnectionMeta
	sink  domain.Sink
	reply chan error
}

type removeConnectionCmd struct {
	baseRegistryCmd
	id     string
	sink   domain.Sink // when set, only a connection holding this sink is removed
	reason string
	reply  chan error // nil when nobody waits
}

type channelsResult struct {
	channels []string
	err      error
}

type addChannelsCmd struct {
	baseRegistryCmd
	id       string
	channels []string
	reply    chan channelsResult
}

type removeChannelsCmd struct {
	baseRegistryCmd
	id       string
	channels []string
	reply    chan channelsResult
}

type routeCmd struct {
	baseRegistryCmd
	channel string
	event   domain.Event
	reply   chan RouteResult // nil for fire-and-forget routing
}

type sendResult struct {
	sent bool
	err  error
}

type sendCmd struct {
	baseRegistryCmd
	id      string
	msg     domain.ServerMessage
	limited bool
	reply   chan sendResult
}

type touchCmd struct {
	baseRegistryCmd
	id string
}

type statsCmd struct {
	baseRegistryCmd
	reply chan domain.Stats
}

type infoResult struct {
	info domain.ConnectionInfo
	err  error
}

type infoCmd struct {
	baseRegistryCmd
	id    string
	reply chan infoResult
}

type sweepCmd struct {
	baseRegistryCmd
	staleAfter time.Duration
	reply      chan []string
}

type stopCmd struct {
	baseRegistryCmd
}
