package models

import "fmt"

// ConcurrencySettings bounds key generation and deletion process-wide, not
// per-request.
type ConcurrencySettings struct {
	MaxKeyGeneration int
	MaxKeyDeletion   int
}

// ApplyDefaults applies default values to unset fields.
func (c *ConcurrencySettings) ApplyDefaults() {
	if c.MaxKeyGeneration == 0 {
		c.MaxKeyGeneration = 10
	}
	if c.MaxKeyDeletion == 0 {
		c.MaxKeyDeletion = 10
	}
}

// Validate checks the settings are usable.
func (c *ConcurrencySettings) Validate() error {
	if c.MaxKeyGeneration < 1 {
		return fmt.Errorf("max key generation must be >= 1, got %d", c.MaxKeyGeneration)
	}
	if c.MaxKeyDeletion < 1 {
		return fmt.Errorf("max key deletion must be >= 1, got %d", c.MaxKeyDeletion)
	}
	return nil
}

// OneTimeKeysCleanupPolicy governs the asynchronous deletion workers.
type OneTimeKeysCleanupPolicy struct {
	CoreSize      int
	MaxSize       int
	QueueCapacity int
	NamePrefix    string
}

// ApplyDefaults applies default values to unset fields.
func (p *OneTimeKeysCleanupPolicy) ApplyDefaults() {
	if p.CoreSize == 0 {
		p.CoreSize = 2
	}
	if p.MaxSize == 0 {
		p.MaxSize = 10
	}
	if p.QueueCapacity == 0 {
		p.QueueCapacity = 100
	}
	if p.NamePrefix == "" {
		p.NamePrefix = "otk-cleanup"
	}
}

// Validate checks the policy is usable.
func (p *OneTimeKeysCleanupPolicy) Validate() error {
	if p.CoreSize < 1 {
		return fmt.Errorf("cleanup core size must be >= 1, got %d", p.CoreSize)
	}
	if p.MaxSize < p.CoreSize {
		return fmt.Errorf("cleanup max size %d below core size %d", p.MaxSize, p.CoreSize)
	}
	if p.QueueCapacity < 1 {
		return fmt.Errorf("cleanup queue capacity must be >= 1, got %d", p.QueueCapacity)
	}
	return nil
}
