package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/Lybley/lifeos-sub001/internal/ratelimit"
	"github.com/jonboulle/clockwork"
)

const (
	commandTimeout  = 5 * time.Second
	stopTimeout     = 10 * time.Second
	commandCapacity = 1024
)

// Disconnect reasons recorded on metrics and passed to Sink.Close.
const (
	ReasonClosed     = "closed"
	ReasonStale      = "stale"
	ReasonSendFailed = "send_failed"
	ReasonShutdown   = "shutdown"
	ReasonAbandoned  = "abandoned"
)

// ChannelBroker is the ref-counted subscription side of the bus. Both calls
// must return without waiting on the network.
type ChannelBroker interface {
	Subscribe(channel string)
	Unsubscribe(channel string)
}

// RouteResult summarises one fan-out.
type RouteResult struct {
	Targets   int
	Delivered int
	Dropped   int
}

type connection struct {
	id             string
	userID         string
	transport      domain.Transport
	channels       map[string]struct{}
	connectedAt    time.Time
	lastActivityAt time.Time
	sink           domain.Sink
}

func (c *connection) info() domain.ConnectionInfo {
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	slices.Sort(channels)
	return domain.ConnectionInfo{
		ID:             c.id,
		UserID:         c.userID,
		Transport:      c.transport,
		Channels:       channels,
		ConnectedAt:    c.connectedAt,
		LastActivityAt: c.lastActivityAt,
	}
}

type connSet map[string]*connection

// Registry tracks live connections and their channel interests.
type Registry struct {
	cmdCh    chan registryCmd
	done     chan struct{}
	stopOnce sync.Once
	clock    clockwork.Clock

	broker  ChannelBroker
	limiter *ratelimit.Limiter

	connMetrics     *metrics.ConnectionMetrics
	deliveryMetrics *metrics.DeliveryMetrics

	// owned by the run goroutine
	conns    connSet
	users    map[string]connSet
	channels map[string]connSet
}

// New creates a registry and starts its actor goroutine.
func New(broker ChannelBroker, limiter *ratelimit.Limiter, clock clockwork.Clock, cm *metrics.ConnectionMetrics, dm *metrics.DeliveryMetrics) *Registry {
	r := &Registry{
		cmdCh:           make(chan registryCmd, commandCapacity),
		done:            make(chan struct{}),
		clock:           clock,
		broker:          broker,
		limiter:         limiter,
		connMetrics:     cm,
		deliveryMetrics: dm,
		conns:           make(connSet),
		users:           make(map[string]connSet),
		channels:        make(map[string]connSet),
	}
	go r.run()
	return r
}

// AddConnection registers a connection. The connection gets a full rate bucket
// and implicit interest in its user channel; meta.Channels become its initial
// explicit subscriptions. The sink receives the subscribed confirmation before
// the connection becomes routable. Registering an id twice fails with
// ErrDuplicateConnection.
//
// When AddConnection returns an error the connection is not registered. If the
// command outlived its wait, a removal for this sink is queued behind it.
func (r *Registry) AddConnection(id string, meta domain.ConnectionMeta, sink domain.Sink) error {
	reply := make(chan error, 1)
	if err := r.submit(addConnectionCmd{id: id, meta: meta, sink: sink, reply: reply}); err != nil {
		return err
	}
	res, err := await(r, reply)
	if err != nil {
		if !errors.Is(err, domain.ErrRegistryStopped) {
			// Commands run in order, so this lands after the add whenever it runs.
			_ = r.submit(removeConnectionCmd{id: id, sink: sink, reason: ReasonAbandoned})
		}
		return err
	}
	return res
}

// RemoveConnection deletes a connection reported closed by its transport.
// The sink is not closed; the transport owns that.
func (r *Registry) RemoveConnection(id string) error {
	reply := make(chan error, 1)
	if err := r.submit(removeConnectionCmd{id: id, reason: ReasonClosed, reply: reply}); err != nil {
		return err
	}
	res, err := await(r, reply)
	if err != nil {
		return err
	}
	return res
}

// AddChannels adds channels to the connection's explicit set and returns those
// accepted. Rejected channels are reported through the joined error; the
// accepted ones are applied regardless.
func (r *Registry) AddChannels(id string, channels []string) ([]string, error) {
	reply := make(chan channelsResult, 1)
	if err := r.submit(addChannelsCmd{id: id, channels: channels, reply: reply}); err != nil {
		return nil, err
	}
	res, err := await(r, reply)
	if err != nil {
		return nil, err
	}
	return res.channels, res.err
}

// RemoveChannels removes channels from the connection's explicit set and returns
// the channels it is no longer subscribed to.
func (r *Registry) RemoveChannels(id string, channels []string) ([]string, error) {
	reply := make(chan channelsResult, 1)
	if err := r.submit(removeChannelsCmd{id: id, channels: channels, reply: reply}); err != nil {
		return nil, err
	}
	res, err := await(r, reply)
	if err != nil {
		return nil, err
	}
	return res.channels, res.err
}

// RouteIncoming fans a bus-delivered event out to the local connections
// interested in channel and waits for the result.
func (r *Registry) RouteIncoming(channel string, event domain.Event) (RouteResult, error) {
	reply := make(chan RouteResult, 1)
	if err := r.submit(routeCmd{channel: channel, event: event, reply: reply}); err != nil {
		return RouteResult{}, err
	}
	return await(r, reply)
}

// HandleMessage is the broker's dispatch function. It decodes the payload and
// queues the fan-out without waiting for it.
func (r *Registry) HandleMessage(channel string, payload []byte) {
	event, err := domain.DecodeEvent(payload)
	if err != nil {
		r.deliveryMetrics.Undecodable.Inc()
		slog.Warn("Discarding undecodable bus message", "channel", channel, "error", err)
		return
	}
	if err := r.submit(routeCmd{channel: channel, event: event}); err != nil {
		slog.Debug("Dropping bus message", "channel", channel, "error", err)
	}
}

// Push sends a message to one connection through its rate limiter.
// It reports false when the message was dropped.
func (r *Registry) Push(id string, msg domain.ServerMessage) (bool, error) {
	return r.send(id, msg, true)
}

// Reply sends a protocol acknowledgement to one connection, bypassing the rate limiter.
func (r *Registry) Reply(id string, msg domain.ServerMessage) error {
	_, err := r.send(id, msg, false)
	return err
}

func (r *Registry) send(id string, msg domain.ServerMessage, limited bool) (bool, error) {
	reply := make(chan sendResult, 1)
	if err := r.submit(sendCmd{id: id, msg: msg, limited: limited, reply: reply}); err != nil {
		return false, err
	}
	res, err := await(r, reply)
	if err != nil {
		return false, err
	}
	return res.sent, res.err
}

// Touch records activity on a connection.
func (r *Registry) Touch(id string) {
	_ = r.submit(touchCmd{id: id})
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() (domain.Stats, error) {
	reply := make(chan domain.Stats, 1)
	if err := r.submit(statsCmd{reply: reply}); err != nil {
		return domain.Stats{}, err
	}
	return await(r, reply)
}

// ConnectionInfo returns a copy of one connection's state.
func (r *Registry) ConnectionInfo(id string) (domain.ConnectionInfo, error) {
	reply := make(chan infoResult, 1)
	if err := r.submit(infoCmd{id: id, reply: reply}); err != nil {
		return domain.ConnectionInfo{}, err
	}
	res, err := await(r, reply)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	return res.info, res.err
}

// Sweep evicts connections idle for longer than staleAfter, closes their sinks
// and returns their ids.
func (r *Registry) Sweep(staleAfter time.Duration) ([]string, error) {
	reply := make(chan []string, 1)
	if err := r.submit(sweepCmd{staleAfter: staleAfter, reply: reply}); err != nil {
		return nil, err
	}
	return await(r, reply)
}

// Refill runs one limiter refill tick. Buckets are removed inside the actor
// together with their connection, so a refill never recreates one.
func (r *Registry) Refill() {
	r.limiter.Refill()
}

// Stop closes every sink and stops the actor. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		select {
		case r.cmdCh <- stopCmd{}:
		case <-r.done:
			return
		}

		timeout := r.clock.NewTimer(stopTimeout)
		defer timeout.Stop()

		select {
		case <-r.done:
			slog.Info("Registry stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Registry stop timeout exceeded", "timeout", stopTimeout)
		}
	})
}

func (r *Registry) submit(cmd registryCmd) error {
	select {
	case <-r.done:
		return domain.ErrRegistryStopped
	default:
	}
	select {
	case r.cmdCh <- cmd:
		return nil
	case <-r.done:
		return domain.ErrRegistryStopped
	}
}

func await[T any](r *Registry, reply chan T) (T, error) {
	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-timer.Chan():
		return zero, fmt.Errorf("registry command timed out after %v", commandTimeout)
	case <-r.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, domain.ErrRegistryStopped
		}
	}
}

func (r *Registry) run() {
	defer close(r.done)

	depthTicker := r.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(r.cmdCh)
			r.deliveryMetrics.CommandDepth.Set(float64(depth))
			if depth > cap(r.cmdCh)*4/5 {
				slog.Warn("Registry command channel near capacity", "depth", depth, "capacity", cap(r.cmdCh))
			}
		case cmd := <-r.cmdCh:
			if _, ok := cmd.(stopCmd); ok {
				r.handleStop()
				return
			}
			r.dispatch(cmd)
		}
	}
}

func (r *Registry) dispatch(cmd registryCmd) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Registry command panic recovered", "command_type", fmt.Sprintf("%T", cmd), "panic", rec)
		}
	}()

	switch c := cmd.(type) {
	case addConnectionCmd:
		c.reply <- r.handleAdd(c)
	case removeConnectionCmd:
		err := r.handleRemove(c)
		if c.reply != nil {
			c.reply <- err
		}
	case addChannelsCmd:
		c.reply <- r.handleAddChannels(c)
	case removeChannelsCmd:
		c.reply <- r.handleRemoveChannels(c)
	case routeCmd:
		res := r.route(c.channel, c.event)
		if c.reply != nil {
			c.reply <- res
		}
	case sendCmd:
		c.reply <- r.handleSend(c)
	case touchCmd:
		if conn, ok := r.conns[c.id]; ok {
			conn.lastActivityAt = r.clock.Now()
		}
	case statsCmd:
		c.reply <- r.stats()
	case infoCmd:
		conn, ok := r.conns[c.id]
		if !ok {
			c.reply <- infoResult{err: domain.ErrConnectionNotFound}
			return
		}
		c.reply <- infoResult{info: conn.info()}
	case sweepCmd:
		c.reply <- r.sweep(c.staleAfter)
	default:
		slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
	}
}

func (r *Registry) handleAdd(c addConnectionCmd) error {
	if c.meta.UserID == "" {
		return errors.New("connection requires a user id")
	}
	if _, exists := r.conns[c.id]; exists {
		slog.Warn("Rejecting duplicate connection id", "connection_id", c.id)
		return domain.ErrDuplicateConnection
	}

	// Initial channels are validated up front so the confirmation lists
	// exactly what the connection ends up subscribed to.
	var initial []string
	for _, ch := range dedupe(c.meta.Channels) {
		if err := domain.ValidateSubscription(c.meta.UserID, ch); err != nil {
			slog.Warn("Skipping initial channel", "connection_id", c.id, "channel", ch, "error", err)
			continue
		}
		initial = append(initial, ch)
	}

	confirmed := append([]string{domain.UserChannel(c.meta.UserID), domain.BroadcastChannel}, initial...)
	if err := c.sink.Send(domain.SubscribedMessage(c.id, confirmed)); err != nil {
		return fmt.Errorf("send connect confirmation: %w", err)
	}

	now := r.clock.Now()
	conn := &connection{
		id:             c.id,
		userID:         c.meta.UserID,
		transport:      c.meta.Transport,
		channels:       make(map[string]struct{}),
		connectedAt:    now,
		lastActivityAt: now,
		sink:           c.sink,
	}
	r.conns[c.id] = conn
	r.limiter.Add(c.id)

	if r.users[conn.userID] == nil {
		r.users[conn.userID] = make(connSet)
	}
	r.users[conn.userID][c.id] = conn
	r.subscribe(domain.UserChannel(conn.userID))

	for _, ch := range initial {
		r.join(conn, ch)
	}

	r.connMetrics.Active.WithLabelValues(string(conn.transport)).Inc()
	r.connMetrics.Connects.WithLabelValues(string(conn.transport)).Inc()
	slog.Debug("Connection registered",
		"connection_id", c.id,
		"user_id", conn.userID,
		"transport", conn.transport,
		"user_connections", len(r.users[conn.userID]),
	)
	return nil
}

func (r *Registry) handleRemove(c removeConnectionCmd) error {
	conn, ok := r.conns[c.id]
	if !ok {
		return domain.ErrConnectionNotFound
	}
	if c.sink != nil && conn.sink != c.sink {
		// The id belongs to an earlier registration; leave it alone.
		return domain.ErrConnectionNotFound
	}
	r.removeConnection(c.id, c.reason)
	if c.reason == ReasonAbandoned {
		conn.sink.Close(c.reason)
		slog.Warn("Removed connection whose registration timed out", "connection_id", c.id)
	}
	return nil
}

// removeConnection is the single removal path shared by transport close,
// send failure, sweep and shutdown. It returns nil for unknown ids.
func (r *Registry) removeConnection(id, reason string) *connection {
	conn, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	r.limiter.Remove(id)

	for ch := range conn.channels {
		r.leave(conn, ch)
	}

	if users := r.users[conn.userID]; users != nil {
		delete(users, id)
		if len(users) == 0 {
			delete(r.users, conn.userID)
		}
	}
	r.unsubscribe(domain.UserChannel(conn.userID))

	r.connMetrics.Active.WithLabelValues(string(conn.transport)).Dec()
	r.connMetrics.Disconnects.WithLabelValues(reason).Inc()
	slog.Debug("Connection removed", "connection_id", id, "user_id", conn.userID, "reason", reason)
	return conn
}

func (r *Registry) handleAddChannels(c addChannelsCmd) channelsResult {
	conn, ok := r.conns[c.id]
	if !ok {
		return channelsResult{err: domain.ErrConnectionNotFound}
	}

	var accepted []string
	var errs []error
	for _, ch := range dedupe(c.channels) {
		if err := domain.ValidateSubscription(conn.userID, ch); err != nil {
			errs = append(errs, err)
			continue
		}
		r.join(conn, ch)
		accepted = append(accepted, ch)
	}
	return channelsResult{channels: accepted, err: errors.Join(errs...)}
}

func (r *Registry) handleRemoveChannels(c removeChannelsCmd) channelsResult {
	conn, ok := r.conns[c.id]
	if !ok {
		return channelsResult{err: domain.ErrConnectionNotFound}
	}

	var removed []string
	var errs []error
	for _, ch := range dedupe(c.channels) {
		if err := domain.ValidateChannel(ch); err != nil {
			errs = append(errs, err)
			continue
		}
		r.leave(conn, ch)
		removed = append(removed, ch)
	}
	return channelsResult{channels: removed, err: errors.Join(errs...)}
}

func (r *Registry) join(conn *connection, channel string) {
	if _, ok := conn.channels[channel]; ok {
		return
	}
	conn.channels[channel] = struct{}{}
	if r.channels[channel] == nil {
		r.channels[channel] = make(connSet)
	}
	r.channels[channel][conn.id] = conn
	r.subscribe(channel)
}

func (r *Registry) leave(conn *connection, channel string) {
	if _, ok := conn.channels[channel]; !ok {
		return
	}
	delete(conn.channels, channel)
	if members := r.channels[channel]; members != nil {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	r.unsubscribe(channel)
}

func (r *Registry) subscribe(channel string) {
	r.broker.Subscribe(channel)
}

func (r *Registry) unsubscribe(channel string) {
	r.broker.Unsubscribe(channel)
}

func (r *Registry) targets(channel string) []*connection {
	var set connSet
	if channel == domain.BroadcastChannel {
		set = r.conns
	} else if userID, ok := domain.UserFromChannel(channel); ok {
		set = r.users[userID]
	} else {
		set = r.channels[channel]
	}

	out := make([]*connection, 0, len(set))
	for _, conn := range set {
		out = append(out, conn)
	}
	return out
}

func (r *Registry) route(channel string, event domain.Event) RouteResult {
	targets := r.targets(channel)
	res := RouteResult{Targets: len(targets)}
	r.deliveryMetrics.Routed.Inc()

	msg := domain.EventMessage(event)
	for _, conn := range targets {
		if !r.limiter.Allow(conn.id) {
			res.Dropped++
			r.deliveryMetrics.Dropped.WithLabelValues(metrics.DropRateLimited).Inc()
			slog.Debug("Rate limited event dropped",
				"connection_id", conn.id,
				"channel", channel,
				"event_id", event.ID,
			)
			continue
		}
		if r.deliver(conn, msg) {
			res.Delivered++
		} else {
			res.Dropped++
		}
	}
	return res
}

// deliver hands msg to the connection's sink. A full buffer drops the message;
// any other failure is treated as a disconnect.
func (r *Registry) deliver(conn *connection, msg domain.ServerMessage) bool {
	err := conn.sink.Send(msg)
	switch {
	case err == nil:
		r.deliveryMetrics.Delivered.Inc()
		return true
	case errors.Is(err, domain.ErrSinkFull):
		r.deliveryMetrics.Dropped.WithLabelValues(metrics.DropBufferFull).Inc()
		slog.Warn("Connection buffer full, message dropped", "connection_id", conn.id, "message_type", msg.Type)
		return false
	default:
		r.deliveryMetrics.Dropped.WithLabelValues(metrics.DropClosed).Inc()
		slog.Debug("Send failed, removing connection", "connection_id", conn.id, "error", err)
		r.removeConnection(conn.id, ReasonSendFailed)
		conn.sink.Close(ReasonSendFailed)
		return false
	}
}

func (r *Registry) handleSend(c sendCmd) sendResult {
	conn, ok := r.conns[c.id]
	if !ok {
		return sendResult{err: domain.ErrConnectionNotFound}
	}
	if c.limited && !r.limiter.Allow(c.id) {
		r.deliveryMetrics.Dropped.WithLabelValues(metrics.DropRateLimited).Inc()
		return sendResult{sent: false}
	}
	return sendResult{sent: r.deliver(conn, c.msg)}
}

func (r *Registry) stats() domain.Stats {
	byTransport := map[domain.Transport]int{
		domain.TransportWebSocket: 0,
		domain.TransportSSE:       0,
	}
	for _, conn := range r.conns {
		byTransport[conn.transport]++
	}
	return domain.Stats{
		TotalConnections:       len(r.conns),
		UniqueUsers:            len(r.users),
		SubscribedChannels:     len(r.users) + len(r.channels) + 1,
		ConnectionsByTransport: byTransport,
	}
}

func (r *Registry) sweep(staleAfter time.Duration) []string {
	now := r.clock.Now()

	var stale []string
	for id, conn := range r.conns {
		if now.Sub(conn.lastActivityAt) > staleAfter {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)

	for _, id := range stale {
		if conn := r.removeConnection(id, ReasonStale); conn != nil {
			conn.sink.Close(ReasonStale)
		}
	}
	if len(stale) > 0 {
		slog.Info("Evicted stale connections", "count", len(stale), "stale_after", staleAfter)
	}
	return stale
}

func (r *Registry) handleStop() {
	slog.Info("Registry shutting down", "connections", len(r.conns), "users", len(r.users))

	for id, conn := range r.conns {
		conn.sink.Close(ReasonShutdown)
		r.limiter.Remove(id)
		r.connMetrics.Active.WithLabelValues(string(conn.transport)).Dec()
		r.connMetrics.Disconnects.WithLabelValues(ReasonShutdown).Inc()
	}
	clear(r.conns)
	clear(r.users)
	clear(r.channels)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
