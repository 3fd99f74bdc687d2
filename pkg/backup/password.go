package backup

import (
	"context"
	"sync"
	"time"
)

// PasswordPrompter asks the user for the export password when none is cached
type PasswordPrompter interface {
	PromptPassword(ctx context.Context) (string, error)
}

// PasswordPrompterFunc adapts a function to PasswordPrompter
type PasswordPrompterFunc func(ctx context.Context) (string, error)

// PromptPassword implements PasswordPrompter
func (f PasswordPrompterFunc) PromptPassword(ctx context.Context) (string, error) {
	return f(ctx)
}

// OldPasswordPrompter asks for the password an artifact was originally
// encrypted with, after the master password was rejected
type OldPasswordPrompter interface {
	PromptOldPassword(ctx context.Context, candidate Candidate) (string, error)
}

// OldPasswordPrompterFunc adapts a function to OldPasswordPrompter
type OldPasswordPrompterFunc func(ctx context.Context, candidate Candidate) (string, error)

// PromptOldPassword implements OldPasswordPrompter
func (f OldPasswordPrompterFunc) PromptOldPassword(ctx context.Context, candidate Candidate) (string, error) {
	return f(ctx, candidate)
}

// passwordCache holds the last confirmed export password for ttl
type passwordCache struct {
	mu        sync.Mutex
	password  string
	confirmed time.Time
	ttl       time.Duration
	now       func() time.Time
}

func (c *passwordCache) store(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
	c.confirmed = c.now()
}

// get returns the cached password while it is fresh
func (c *passwordCache) get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.password == "" || c.now().Sub(c.confirmed) > c.ttl {
		c.password = ""
		return "", false
	}
	return c.password, true
}

func (c *passwordCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = ""
	c.confirmed = time.Time{}
}
