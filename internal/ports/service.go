package ports

// Service is a long-running part of the daemon
type Service interface {
	// Start starts the service without blocking
	Start() error

	// Stop stops the service and waits for it to finish
	Stop() error
}
