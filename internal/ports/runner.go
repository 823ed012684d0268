package ports

// Runner is a long-running listener or job owned by the service process
type Runner interface {
	// Start begins serving in the background
	Start() error

	// Stop shuts the runner down and releases its resources
	Stop() error
}
