package faulttolerance

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const checkTimeout = 10 * time.Second

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

// HealthCheck represents a single health check
type HealthCheck struct {
	Name       string       `json:"name"`
	Status     HealthStatus `json:"status"`
	LastCheck  time.Time    `json:"last_check"`
	DurationMs int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
	Critical   bool         `json:"critical"`
	check      CheckFunc
}

// HealthMonitor monitors the health of various components. A failing
// critical check makes the service unhealthy; other failures degrade it.
type HealthMonitor struct {
	checks   map[string]*HealthCheck
	mutex    sync.RWMutex
	logger   logrus.FieldLogger
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logrus.FieldLogger, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &HealthMonitor{
		checks:   make(map[string]*HealthCheck),
		logger:   logger.WithField("component", "health"),
		interval: interval,
	}
}

// AddCheck registers a health check
func (hm *HealthMonitor) AddCheck(name string, critical bool, check CheckFunc) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.checks[name] = &HealthCheck{
		Name:     name,
		Status:   HealthStatusHealthy,
		Critical: critical,
		check:    check,
	}
	hm.logger.Infof("Added health check: %s", name)
}

// Start runs all checks immediately and then every interval until ctx is
// done or Stop is called.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, hm.cancel = context.WithCancel(ctx)

	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()

		ticker := time.NewTicker(hm.interval)
		defer ticker.Stop()

		hm.RunChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.RunChecks(ctx)
			}
		}
	}()
	hm.logger.Info("Health monitor started")
}

// Stop stops the health monitoring
func (hm *HealthMonitor) Stop() {
	if hm.cancel != nil {
		hm.cancel()
	}
	hm.wg.Wait()
	hm.logger.Info("Health monitor stopped")
}

// RunChecks runs every registered check concurrently and records the results.
func (hm *HealthMonitor) RunChecks(ctx context.Context) {
	hm.mutex.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		checks = append(checks, check)
	}
	hm.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(check *HealthCheck) {
			defer wg.Done()
			hm.runCheck(ctx, check)
		}(check)
	}
	wg.Wait()
}

func (hm *HealthMonitor) runCheck(ctx context.Context, check *HealthCheck) {
	if check.check == nil {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	err := check.check(ctx)
	duration := time.Since(start)

	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	oldStatus := check.Status
	check.LastCheck = start
	check.DurationMs = duration.Milliseconds()

	if err != nil {
		check.Status = HealthStatusUnhealthy
		check.Error = err.Error()
		if oldStatus != HealthStatusUnhealthy {
			hm.logger.Errorf("Health check '%s' failed: %v", check.Name, err)
		}
		return
	}

	check.Status = HealthStatusHealthy
	check.Error = ""
	if oldStatus != HealthStatusHealthy {
		hm.logger.Infof("Health check '%s' recovered", check.Name)
	}
}

// GetHealth returns a copy of every check's last result.
func (hm *HealthMonitor) GetHealth() map[string]HealthCheck {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	result := make(map[string]HealthCheck, len(hm.checks))
	for name, check := range hm.checks {
		snapshot := *check
		snapshot.check = nil
		result[name] = snapshot
	}
	return result
}

// GetOverallHealth returns the overall health status
func (hm *HealthMonitor) GetOverallHealth() HealthStatus {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	overall := HealthStatusHealthy
	for _, check := range hm.checks {
		if check.Status != HealthStatusUnhealthy {
			continue
		}
		if check.Critical {
			return HealthStatusUnhealthy
		}
		overall = HealthStatusDegraded
	}
	return overall
}

// RegisterRoutes mounts /health, /health/ready and /health/live on r.
func (hm *HealthMonitor) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) {
		overall := hm.GetOverallHealth()

		status := http.StatusOK
		if overall == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"status":    overall,
			"checks":    hm.GetHealth(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	r.GET("/health/ready", func(c *gin.Context) {
		if hm.GetOverallHealth() == HealthStatusUnhealthy {
			c.String(http.StatusServiceUnavailable, "Not Ready")
			return
		}
		c.String(http.StatusOK, "Ready")
	})

	r.GET("/health/live", func(c *gin.Context) {
		c.String(http.StatusOK, "Live")
	})
}
