package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
)

// StaleConnectionHandler invoked for every connection the sweep found
// silent past the timeout
type StaleConnectionHandler func(ctxt context.Context, connectionID string)

// HeartbeatMonitor periodic sweep over the registry evicting connections
// whose last client heartbeat is older than the timeout. Client pings are
// the sole keep-alive; the server never pings.
type HeartbeatMonitor interface {
	// Start begin the periodic sweep
	Start() error
	// Stop halt the periodic sweep
	Stop() error
	// SweepOnce run one sweep pass immediately; returns evicted connection IDs
	SweepOnce(ctxt context.Context) []string
}

// heartbeatMonitorImpl implements HeartbeatMonitor
type heartbeatMonitorImpl struct {
	common.Component
	registry      ConnectionRegistry
	timer         common.IntervalTimer
	sweepInterval time.Duration
	timeout       time.Duration
	onStale       StaleConnectionHandler
	rootContext   context.Context
	lock          *sync.Mutex
	started       bool
}

// GetHeartbeatMonitor define a new heartbeat monitor
func GetHeartbeatMonitor(
	ctxt context.Context,
	instance string,
	registry ConnectionRegistry,
	sweepInterval, timeout time.Duration,
	onStale StaleConnectionHandler,
	wg *sync.WaitGroup,
) (HeartbeatMonitor, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "heartbeat-monitor", "instance": instance,
	}
	timer, err := common.GetIntervalTimerInstance(ctxt, fmt.Sprintf("hb-%s", instance), wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &heartbeatMonitorImpl{
		Component:     common.Component{LogTags: logTags},
		registry:      registry,
		timer:         timer,
		sweepInterval: sweepInterval,
		timeout:       timeout,
		onStale:       onStale,
		rootContext:   ctxt,
		lock:          &sync.Mutex{},
		started:       false,
	}, nil
}

// Start begin the periodic sweep
func (m *heartbeatMonitorImpl) Start() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.started {
		return fmt.Errorf("already started")
	}
	if err := m.timer.Start(m.sweepInterval, func() error {
		m.SweepOnce(m.rootContext)
		return nil
	}, false); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to start sweep timer")
		return err
	}
	m.started = true
	return nil
}

// Stop halt the periodic sweep
func (m *heartbeatMonitorImpl) Stop() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	return m.timer.Stop()
}

// SweepOnce run one sweep pass immediately
func (m *heartbeatMonitorImpl) SweepOnce(ctxt context.Context) []string {
	cutoff := time.Now().UTC().Add(-m.timeout)
	stale := m.registry.StaleConnections(cutoff)
	if len(stale) == 0 {
		return nil
	}
	log.WithFields(m.LogTags).Infof("Sweep found %d stale connections", len(stale))
	for _, connectionID := range stale {
		m.onStale(ctxt, connectionID)
	}
	return stale
}
