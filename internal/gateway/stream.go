package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"makerflow/logger"
)

// Stream timing defaults. Tests shorten these through the streamManager
// fields.
const (
	defaultStaleTimeout  = 30 * time.Second
	defaultKeepAlive     = 15 * time.Second
	defaultStandbyDelay  = 5 * time.Second
	defaultBackoffBase   = time.Second
	defaultBackoffCap    = 30 * time.Second
	defaultStaleInterval = time.Second
)

type legState string

const (
	legIdle         legState = "idle"
	legConnecting   legState = "connecting"
	legActive       legState = "active"
	legStandby      legState = "standby"
	legReconnecting legState = "reconnecting"
)

type subKey struct {
	channel string
	symbol  string
}

type legEventKind int

const (
	legOpened legEventKind = iota
	legDialFailed
	legClosed
	legMessage
)

type legEvent struct {
	leg  int
	gen  int
	kind legEventKind
	conn StreamConn
	msg  *StreamMessage
	err  error
}

type leg struct {
	state   legState
	conn    StreamConn
	gen     int
	lastMsg time.Time
	attempt int
}

type subRequest struct {
	add     bool
	key     subKey
	resp    chan error
}

// streamManager maintains the two concurrent streaming connections to the
// venue. The first leg to open becomes active; the other idles as a warm
// standby. A single goroutine (run) owns all connection state and decides
// which leg is active at any time.
type streamManager struct {
	venue Venue
	log   *logger.Log

	staleTimeout  time.Duration
	keepAlive     time.Duration
	standbyDelay  time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
	staleInterval time.Duration

	onMessage func(*StreamMessage)
	onError   func(conn string, err error, recoverable bool)

	legs    [2]leg
	active  int // index into legs, -1 when no leg is active
	subs    map[subKey]struct{}
	events  chan legEvent
	subReqs chan subRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStreamManager(venue Venue, onMessage func(*StreamMessage), onError func(string, error, bool)) *streamManager {
	return &streamManager{
		venue:         venue,
		log:           logger.GetLogger(),
		staleTimeout:  defaultStaleTimeout,
		keepAlive:     defaultKeepAlive,
		standbyDelay:  defaultStandbyDelay,
		backoffBase:   defaultBackoffBase,
		backoffCap:    defaultBackoffCap,
		staleInterval: defaultStaleInterval,
		onMessage:     onMessage,
		onError:       onError,
		active:        -1,
		subs:          make(map[subKey]struct{}),
		events:        make(chan legEvent, 64),
		subReqs:       make(chan subRequest),
	}
}

func (m *streamManager) start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
	for i := range m.legs {
		m.dial(i, 0)
	}
}

func (m *streamManager) stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// subscribe registers the subscription and applies it to the active leg. The
// registration survives reconnects: it is replayed on every promotion.
func (m *streamManager) subscribe(channel, symbol string) error {
	return m.request(subRequest{add: true, key: subKey{channel, symbol}, resp: make(chan error, 1)})
}

func (m *streamManager) unsubscribe(channel, symbol string) error {
	return m.request(subRequest{add: false, key: subKey{channel, symbol}, resp: make(chan error, 1)})
}

func (m *streamManager) request(req subRequest) error {
	select {
	case m.subReqs <- req:
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

func (m *streamManager) run() {
	defer m.wg.Done()

	keepAlive := time.NewTicker(m.keepAlive)
	defer keepAlive.Stop()
	stale := time.NewTicker(m.staleInterval)
	defer stale.Stop()

	log := m.log.WithComponent("gateway_stream")

	for {
		select {
		case <-m.ctx.Done():
			for i := range m.legs {
				if m.legs[i].conn != nil {
					m.legs[i].conn.Close()
					m.legs[i].conn = nil
				}
				m.legs[i].state = legIdle
			}
			return

		case ev := <-m.events:
			m.handleLegEvent(ev, log)

		case req := <-m.subReqs:
			req.resp <- m.applySubRequest(req)

		case <-keepAlive.C:
			if m.active >= 0 {
				l := &m.legs[m.active]
				if err := l.conn.Ping(); err != nil {
					log.WithError(err).WithField("leg", m.active).Warn("keep-alive probe failed")
					m.dropLeg(m.active, fmt.Errorf("keep-alive failed: %w", err), log)
				}
			}

		case <-stale.C:
			if m.active >= 0 {
				l := &m.legs[m.active]
				if time.Since(l.lastMsg) > m.staleTimeout {
					log.WithField("leg", m.active).Warn("no message within stale timeout, rebuilding connection")
					m.dropLeg(m.active, fmt.Errorf("stale connection: no message for %s", m.staleTimeout), log)
				}
			}
		}
	}
}

func (m *streamManager) handleLegEvent(ev legEvent, log *logger.Entry) {
	l := &m.legs[ev.leg]
	if ev.gen != l.gen {
		// Event from a connection we already replaced.
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case legOpened:
		l.conn = ev.conn
		l.lastMsg = time.Now()
		l.attempt = 0
		if m.active < 0 {
			m.promote(ev.leg, log)
		} else {
			l.state = legStandby
			log.WithField("leg", ev.leg).Info("standby connection established")
		}
		m.startReadLoop(ev.leg, l.gen, l.conn)

	case legDialFailed:
		log.WithError(ev.err).WithField("leg", ev.leg).Warn("stream dial failed")
		m.onError(fmt.Sprintf("leg-%d", ev.leg), ev.err, true)
		m.scheduleRedial(ev.leg, log)

	case legClosed:
		if l.conn == nil {
			return
		}
		m.dropLeg(ev.leg, ev.err, log)

	case legMessage:
		l.lastMsg = time.Now()
		if l.state == legActive {
			m.onMessage(ev.msg)
		}
	}
}

func (m *streamManager) applySubRequest(req subRequest) error {
	if req.add {
		m.subs[req.key] = struct{}{}
	} else {
		delete(m.subs, req.key)
	}
	if m.active < 0 {
		// Applied once a connection is promoted.
		return nil
	}
	conn := m.legs[m.active].conn
	if req.add {
		return conn.Subscribe(req.key.channel, req.key.symbol)
	}
	return conn.Unsubscribe(req.key.channel, req.key.symbol)
}

// promote makes the leg the active connection and replays every registered
// subscription exactly once.
func (m *streamManager) promote(idx int, log *logger.Entry) {
	l := &m.legs[idx]
	l.state = legActive
	m.active = idx
	logger.IncrementStreamReconnect()
	log.WithFields(logger.Fields{"leg": idx, "subscriptions": len(m.subs)}).Info("connection promoted to active")

	keys := make([]subKey, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].channel != keys[j].channel {
			return keys[i].channel < keys[j].channel
		}
		return keys[i].symbol < keys[j].symbol
	})
	for _, k := range keys {
		if err := l.conn.Subscribe(k.channel, k.symbol); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"channel": k.channel,
				"symbol":  k.symbol,
			}).Warn("subscription replay failed")
		}
	}
}

// dropLeg tears down a connection, fails traffic over to the standby when
// one is open, and schedules the rebuild of the dropped leg.
func (m *streamManager) dropLeg(idx int, cause error, log *logger.Entry) {
	l := &m.legs[idx]
	wasActive := l.state == legActive
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.gen++
	l.state = legReconnecting

	if cause != nil {
		m.onError(fmt.Sprintf("leg-%d", idx), cause, true)
	}

	if wasActive {
		m.active = -1
		other := 1 - idx
		if m.legs[other].state == legStandby {
			m.promote(other, log)
		}
	}
	m.scheduleRedial(idx, log)
}

// scheduleRedial queues a dial of the leg: a short fixed delay while the
// other leg carries traffic, exponential backoff otherwise.
func (m *streamManager) scheduleRedial(idx int, log *logger.Entry) {
	l := &m.legs[idx]
	l.state = legReconnecting

	var delay time.Duration
	if m.active >= 0 {
		delay = m.standbyDelay
	} else {
		delay = m.backoffBase << uint(l.attempt)
		if delay > m.backoffCap || delay <= 0 {
			delay = m.backoffCap
		}
		l.attempt++
	}
	log.WithFields(logger.Fields{"leg": idx, "delay": delay.String()}).Debug("scheduling reconnect")
	m.dial(idx, delay)
}

func (m *streamManager) dial(idx int, delay time.Duration) {
	l := &m.legs[idx]
	if l.state != legReconnecting {
		l.state = legConnecting
	}
	gen := l.gen

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-m.ctx.Done():
				return
			}
		}
		conn, err := m.venue.DialStream(m.ctx)
		ev := legEvent{leg: idx, gen: gen, kind: legOpened, conn: conn}
		if err != nil {
			ev = legEvent{leg: idx, gen: gen, kind: legDialFailed, err: err}
		}
		select {
		case m.events <- ev:
		case <-m.ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (m *streamManager) startReadLoop(idx, gen int, conn StreamConn) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case m.events <- legEvent{leg: idx, gen: gen, kind: legClosed, err: err}:
				case <-m.ctx.Done():
				}
				return
			}
			select {
			case m.events <- legEvent{leg: idx, gen: gen, kind: legMessage, msg: msg}:
			case <-m.ctx.Done():
				return
			}
		}
	}()
}
