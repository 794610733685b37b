package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/repository"
)

// StallMonitor periodically hunts workflows that have a ready frontier but
// no in-flight work and kicks their execution back into motion. It also
// hosts the completion-callback poller, since both run on the same
// scheduler.
type StallMonitor struct {
	log     zerolog.Logger
	cfg     config.MonitorConfig
	repos   *repository.Repositories
	engine  *engine.Engine
	metrics *observability.Metrics

	cron *cron.Cron

	mu       sync.Mutex
	attempts map[string]int
	stats    Stats
}

// Stats reports what the monitor has done since startup.
type Stats struct {
	Scans             int `json:"scans"`
	StallsDetected    int `json:"stalls_detected"`
	RecoveriesStarted int `json:"recoveries_started"`
	RecoveriesGivenUp int `json:"recoveries_given_up"`
}

// NewStallMonitor creates the monitor.
func NewStallMonitor(cfg config.MonitorConfig, callbackInterval time.Duration, repos *repository.Repositories, eng *engine.Engine, metrics *observability.Metrics, log zerolog.Logger) *StallMonitor {
	m := &StallMonitor{
		log:      log.With().Str("component", "stall_monitor").Logger(),
		cfg:      cfg,
		repos:    repos,
		engine:   eng,
		metrics:  metrics,
		cron:     cron.New(),
		attempts: make(map[string]int),
	}

	spec := fmt.Sprintf("@every %s", cfg.ScanInterval)
	if _, err := m.cron.AddFunc(spec, m.Scan); err != nil {
		m.log.Error().Err(err).Msg("failed to schedule stall scan")
	}
	callbackSpec := fmt.Sprintf("@every %s", callbackInterval)
	if _, err := m.cron.AddFunc(callbackSpec, func() {
		eng.Callbacks().Poll(context.Background())
	}); err != nil {
		m.log.Error().Err(err).Msg("failed to schedule callback poll")
	}
	return m
}

// Start launches the scheduler.
func (m *StallMonitor) Start() {
	m.cron.Start()
	m.log.Info().
		Dur("scan_interval", m.cfg.ScanInterval).
		Dur("stall_threshold", m.cfg.StallThreshold).
		Msg("stall monitor started")
}

// Stop halts the scheduler, waiting for a running scan to finish.
func (m *StallMonitor) Stop() {
	<-m.cron.Stop().Done()
}

// Stats returns a copy of the monitor's counters.
func (m *StallMonitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Scan performs one full pass: find quiet instances, verify true stall,
// recover the ones that qualify. Exported so recovery can be forced.
func (m *StallMonitor) Scan() {
	ctx := context.Background()
	m.mu.Lock()
	m.stats.Scans++
	m.mu.Unlock()
	m.metrics.ResidentContexts.Set(float64(m.engine.Contexts().Len()))

	cutoff := time.Now().Add(-m.cfg.StallThreshold)
	instances, err := m.repos.Instances.ListNotUpdatedSince(ctx, cutoff, 100)
	if err != nil {
		m.log.Error().Err(err).Msg("stall scan query failed")
		return
	}

	for _, instance := range instances {
		stalled, err := m.isStalled(ctx, &instance)
		if err != nil {
			m.log.Warn().Err(err).Str("workflow_instance_id", instance.ID).Msg("stall verification failed")
			continue
		}
		if !stalled {
			continue
		}

		m.mu.Lock()
		m.stats.StallsDetected++
		attempts := m.attempts[instance.ID]
		if attempts >= m.cfg.MaxRecoveryAttempts {
			m.stats.RecoveriesGivenUp++
			m.mu.Unlock()
			m.metrics.StallRecoveriesTotal.WithLabelValues("given_up").Inc()
			m.log.Warn().
				Str("workflow_instance_id", instance.ID).
				Int("attempts", attempts).
				Msg("stalled instance exceeded recovery attempts")
			continue
		}
		m.attempts[instance.ID] = attempts + 1
		m.stats.RecoveriesStarted++
		m.mu.Unlock()

		m.recover(ctx, instance.ID)
	}
}

// isStalled verifies the stall signature: no task assigned or in progress,
// but at least one pending node whose upstream set is fully completed.
func (m *StallMonitor) isStalled(ctx context.Context, instance *models.WorkflowInstance) (bool, error) {
	inFlight, err := m.repos.Tasks.CountInFlight(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	if inFlight > 0 {
		return false, nil
	}

	nodeInstances, err := m.repos.NodeInstances.ListByWorkflowInstance(ctx, instance.ID)
	if err != nil {
		return false, err
	}
	connections, err := m.repos.Workflows.GetConnections(ctx, instance.WorkflowID)
	if err != nil {
		return false, err
	}

	byBase := make(map[string]*models.NodeInstance, len(nodeInstances))
	for i := range nodeInstances {
		byBase[nodeInstances[i].NodeBaseID] = &nodeInstances[i]
	}
	upstream := make(map[string][]string)
	for _, conn := range connections {
		upstream[conn.TargetNodeBaseID] = append(upstream[conn.TargetNodeBaseID], conn.SourceNodeBaseID)
	}

	for _, ni := range nodeInstances {
		if ni.Status != models.NodeInstancePending {
			continue
		}
		ready := true
		for _, upBase := range upstream[ni.NodeBaseID] {
			up := byBase[upBase]
			if up == nil || up.Status != models.NodeInstanceCompleted {
				ready = false
				break
			}
		}
		if ready && len(upstream[ni.NodeBaseID]) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// recover force-reloads the context and re-dispatches the frontier.
func (m *StallMonitor) recover(ctx context.Context, instanceID string) {
	report, err := m.engine.RecoverWorkflowContext(ctx, instanceID, true)
	if err != nil {
		m.metrics.StallRecoveriesTotal.WithLabelValues("error").Inc()
		m.log.Error().Err(err).Str("workflow_instance_id", instanceID).Msg("stall recovery failed")
		return
	}
	if err := m.repos.Instances.Touch(ctx, instanceID); err != nil {
		m.log.Warn().Err(err).Str("workflow_instance_id", instanceID).Msg("failed to touch recovered instance")
	}
	m.metrics.StallRecoveriesTotal.WithLabelValues("recovered").Inc()
	m.log.Info().
		Str("workflow_instance_id", instanceID).
		Bool("was_healthy", report.Healthy).
		Strs("reasons", report.Reasons).
		Msg("stalled workflow recovered")
}
