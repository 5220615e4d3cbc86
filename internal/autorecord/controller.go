// Package autorecord implements component C11: the policy engine that
// turns machine on/off events into camera start/stop calls with bounded
// per-camera retry.
//
// Grounded on the original Python service's
// usda_vision_system/recording/auto_manager.py (retry queue keyed by
// camera name, one-second background scheduler tick, drop-on-off
// semantics) and on the teacher's worker-pool stats-tracking idiom for
// the per-camera failure counters surfaced on the Camera entity.
package autorecord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usda-vision/coordinator/internal/clock"
	"github.com/usda-vision/coordinator/internal/config"
	"github.com/usda-vision/coordinator/internal/errs"
	"github.com/usda-vision/coordinator/internal/eventbus"
	"github.com/usda-vision/coordinator/internal/logging"
	"github.com/usda-vision/coordinator/internal/store"
)

const schedulerTick = time.Second

// Starter is the subset of the Camera Manager (start and stop recording)
// this controller depends on, kept narrow so it can be tested against a fake.
type Starter interface {
	StartRecording(ctx context.Context, cameraName, filename, machineTrigger string) (string, error)
	StopRecording(ctx context.Context, cameraName string) error
}

type retryEntry struct {
	cameraName   string
	attemptCount int
	nextAttempt  time.Time
	maxRetries   int
	delay        time.Duration
}

// Controller runs the auto-recording policy and retry scheduler.
type Controller struct {
	mgr    Starter
	store  *store.Store
	bus    *eventbus.Bus
	logger *logging.Logger
	clock  clock.Clock

	cameras map[string]config.CameraConfig // name -> config, enabled auto-start only

	mu    sync.Mutex
	queue map[string]*retryEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Controller for every enabled camera. A camera's
// AutoStartRecordingEnabled flag gates whether machine-on events
// actually trigger a start; it can be toggled later via Enable/Disable
// without re-registering the camera.
func New(mgr Starter, st *store.Store, bus *eventbus.Bus, logger *logging.Logger, clk clock.Clock, cameras []config.CameraConfig) *Controller {
	byName := make(map[string]config.CameraConfig)
	for _, c := range cameras {
		if c.Enabled {
			byName[c.Name] = c
		}
	}
	return &Controller{
		mgr:     mgr,
		store:   st,
		bus:     bus,
		logger:  logger,
		clock:   clk,
		cameras: byName,
		queue:   make(map[string]*retryEntry),
	}
}

// Start subscribes to machine_state_changed and launches the
// background retry scheduler.
func (c *Controller) Start() {
	c.bus.Subscribe(eventbus.TopicMachineStateChanged, c.onMachineStateChanged)

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.schedulerLoop()
}

// Stop ends the scheduler loop with a bounded join.
func (c *Controller) Stop(ctx context.Context) error {
	if c.stopCh == nil {
		return nil
	}
	close(c.stopCh)
	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.logger.Warn("auto-record scheduler did not join within timeout")
	}
	return nil
}

func (c *Controller) onMachineStateChanged(ev eventbus.Event) {
	machineName, _ := ev.Data["machine_name"].(string)
	state, _ := ev.Data["state"].(string)
	if machineName == "" || state == "" {
		return
	}

	c.mu.Lock()
	matches := make(map[string]config.CameraConfig)
	for name, camCfg := range c.cameras {
		if camCfg.MachineTopic == machineName {
			matches[name] = camCfg
		}
	}
	c.mu.Unlock()

	for name, camCfg := range matches {
		switch state {
		case "on":
			c.handleOn(name, camCfg)
		case "off", "error":
			c.handleOff(name)
		}
	}
}

func (c *Controller) handleOn(cameraName string, camCfg config.CameraConfig) {
	if !camCfg.AutoStartRecordingEnabled {
		return
	}
	if cam, ok := c.store.GetCamera(cameraName); ok && cam.IsRecording() {
		return
	}

	now := c.clock.Now()
	c.store.SetAutoRecording(cameraName, true, true, 0, now, "")

	_, err := c.mgr.StartRecording(context.Background(), cameraName, "", camCfg.MachineTopic)
	if err == nil {
		c.store.SetAutoRecording(cameraName, true, true, 0, now, "")
		return
	}

	c.logger.WithField("camera", cameraName).Warnf("auto-start failed, scheduling retry: %v", err)
	c.enqueueRetry(cameraName, camCfg, err.Error())
}

// Enable turns on auto-recording for a camera already declared in the
// coordinator's configuration, without requiring a process restart
// (spec expansion §6 "POST /cameras/{name}/auto-recording/enable").
func (c *Controller) Enable(cameraName string) error {
	c.mu.Lock()
	camCfg, known := c.cameras[cameraName]
	c.mu.Unlock()
	if !known {
		return errs.New(errs.KindNotFound, "autorecord.Enable", fmt.Sprintf("camera %s is not auto-recording eligible", cameraName))
	}
	camCfg.AutoStartRecordingEnabled = true
	c.mu.Lock()
	c.cameras[cameraName] = camCfg
	c.mu.Unlock()
	c.store.SetAutoRecording(cameraName, true, false, 0, c.clock.Now(), "")
	return nil
}

// Disable turns off auto-recording for a camera and drops any queued
// retry without stopping an already-running recording.
func (c *Controller) Disable(cameraName string) error {
	c.mu.Lock()
	camCfg, known := c.cameras[cameraName]
	if !known {
		c.mu.Unlock()
		return errs.New(errs.KindNotFound, "autorecord.Disable", fmt.Sprintf("camera %s is not auto-recording eligible", cameraName))
	}
	camCfg.AutoStartRecordingEnabled = false
	c.cameras[cameraName] = camCfg
	delete(c.queue, cameraName)
	c.mu.Unlock()
	c.store.SetAutoRecording(cameraName, false, false, 0, c.clock.Now(), "")
	return nil
}

func (c *Controller) handleOff(cameraName string) {
	c.mu.Lock()
	delete(c.queue, cameraName)
	c.mu.Unlock()

	c.store.SetAutoRecording(cameraName, true, false, 0, c.clock.Now(), "")
	if err := c.mgr.StopRecording(context.Background(), cameraName); err != nil {
		c.logger.WithField("camera", cameraName).Warnf("auto-stop failed: %v", err)
	}
}

func (c *Controller) enqueueRetry(cameraName string, camCfg config.CameraConfig, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := time.Duration(camCfg.AutoRecordingRetryDelaySeconds * float64(time.Second))
	c.queue[cameraName] = &retryEntry{
		cameraName:   cameraName,
		attemptCount: 1,
		nextAttempt:  c.clock.Now().Add(delay),
		maxRetries:   camCfg.AutoRecordingMaxRetries,
		delay:        delay,
	}
	c.store.SetAutoRecording(cameraName, true, true, 1, c.clock.Now(), lastErr)
}

func (c *Controller) schedulerLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.processDue()
		}
	}
}

func (c *Controller) processDue() {
	now := c.clock.Now()

	c.mu.Lock()
	var due []*retryEntry
	for _, e := range c.queue {
		if !now.Before(e.nextAttempt) {
			due = append(due, e)
		}
	}
	c.mu.Unlock()

	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	for _, e := range due {
		e := e
		g.Go(func() error {
			c.attempt(e)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) attempt(e *retryEntry) {
	c.mu.Lock()
	camCfg, ok := c.cameras[e.cameraName]
	c.mu.Unlock()
	if !ok {
		c.mu.Lock()
		delete(c.queue, e.cameraName)
		c.mu.Unlock()
		return
	}

	_, err := c.mgr.StartRecording(context.Background(), e.cameraName, "", camCfg.MachineTopic)
	now := c.clock.Now()

	if err == nil {
		c.mu.Lock()
		delete(c.queue, e.cameraName)
		c.mu.Unlock()
		c.store.SetAutoRecording(e.cameraName, true, true, 0, now, "")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.queue[e.cameraName]
	if !ok || current != e {
		return // dropped by a concurrent off-event
	}

	current.attemptCount++
	if current.attemptCount > current.maxRetries {
		delete(c.queue, e.cameraName)
		c.logger.WithField("camera", e.cameraName).Errorf("auto-recording retries exhausted: %v", err)
		c.store.SetAutoRecording(e.cameraName, true, false, current.attemptCount, now, "retries exhausted: "+err.Error())
		return
	}

	current.nextAttempt = now.Add(current.delay)
	c.store.SetAutoRecording(e.cameraName, true, true, current.attemptCount, now, err.Error())
}
