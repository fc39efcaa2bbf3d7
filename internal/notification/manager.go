package notification

import "sync"

var (
	instance *Service
	once     sync.Once
	mu       sync.RWMutex
)

// Initialize sets up the process-wide notification service on first call
// and returns it. Later calls ignore config.
func Initialize(config *ServiceConfig) *Service {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		instance = NewService(config)
	})
	return GetService()
}

// GetService returns the process-wide service, or nil before Initialize.
func GetService() *Service {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}
