package transport

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"runtime"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

// Principals resolves the identities that receive baseline permissions on a
// newly created queue.
type Principals interface {
	// Current returns the identity the process runs as.
	Current() (string, error)
	// Administrators returns the local administrators group.
	Administrators() (string, error)
}

// SystemPrincipals resolves principals from the operating system accounts.
type SystemPrincipals struct {
	AdminGroup string
}

func (p SystemPrincipals) Current() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to resolve the current user: %w", err)
	}

	return u.Username, nil
}

func (p SystemPrincipals) Administrators() (string, error) {
	name := p.AdminGroup
	if name == "" {
		name = defaultAdminGroup()
	}

	g, err := user.LookupGroup(name)
	if err != nil {
		return "", fmt.Errorf("%w: group %q: %v", ErrAdminGroupLookup, name, err)
	}

	return g.Name, nil
}

func defaultAdminGroup() string {
	switch runtime.GOOS {
	case "windows":
		return "Administrators"
	case "darwin":
		return "admin"
	default:
		return "root"
	}
}

// QueueManager creates, verifies, purges, deletes and counts native queues.
// It holds no state of its own; concurrent calls race at the subsystem, which
// resolves duplicate creation with native.ErrQueueExists.
type QueueManager struct {
	subsystem  native.Subsystem
	principals Principals
	logger     Logger
}

func NewQueueManager(subsystem native.Subsystem, principals Principals, logger Logger) *QueueManager {
	if principals == nil {
		principals = SystemPrincipals{}
	}

	if logger == nil {
		logger = nopLogger{}
	}

	return &QueueManager{
		subsystem:  subsystem,
		principals: principals,
		logger:     logger,
	}
}

func (m *QueueManager) Exists(ctx context.Context, path string) (bool, error) {
	exists, err := m.subsystem.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to check whether queue %s exists: %w", path, err)
	}

	return exists, nil
}

// EnsureExists creates the transactional queue at path when it is missing,
// grants baseline permissions and runs callbacks against it. Callbacks do not
// run for queues that already existed, including ones another creator made
// first.
func (m *QueueManager) EnsureExists(ctx context.Context, path string, callbacks ...NewQueueCallback) error {
	exists, err := m.Exists(ctx, path)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	m.logger.Info().Str("queue", path).Msg("queue does not exist - it will be created now")

	q, err := m.subsystem.Create(ctx, path, true)
	if errors.Is(err, native.ErrQueueExists) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", path, err)
	}

	defer func() {
		if err := q.Close(); err != nil {
			m.logger.Warn().Err(err).Str("queue", path).Msg("failed to close handle of new queue")
		}
	}()

	current, err := m.principals.Current()
	if err != nil {
		return err
	}

	if err := q.SetPermissions(ctx, current, native.RightsGenericWrite); err != nil {
		return fmt.Errorf("failed to grant %s on %s to %s: %w", native.RightsGenericWrite, path, current, err)
	}

	admins, err := m.principals.Administrators()
	if err != nil {
		return err
	}

	if err := q.SetPermissions(ctx, admins, native.RightsFullControl); err != nil {
		return fmt.Errorf("failed to grant %s on %s to %s: %w", native.RightsFullControl, path, admins, err)
	}

	if len(callbacks) == 0 {
		return nil
	}

	m.logger.Info().Str("queue", path).Msg("invoking new queue callbacks")

	for _, cb := range callbacks {
		if err := cb(ctx, q); err != nil {
			return fmt.Errorf("new queue callback failed for %s: %w", path, err)
		}
	}

	return nil
}

// EnsureTransactional fails with a NonTransactionalQueueError when the queue
// at path does not support transactions.
func (m *QueueManager) EnsureTransactional(ctx context.Context, path string) error {
	q, err := m.subsystem.Open(ctx, path, native.AccessReceive, native.PropertyFilter{})
	if err != nil {
		return fmt.Errorf("failed to open queue %s: %w", path, err)
	}

	defer func() {
		_ = q.Close()
	}()

	if !q.Transactional() {
		return &NonTransactionalQueueError{Path: path}
	}

	return nil
}

// Purge removes every entry from the queue at path. A missing queue is a no-op.
func (m *QueueManager) Purge(ctx context.Context, path string) error {
	exists, err := m.Exists(ctx, path)
	if err != nil {
		return err
	}

	if !exists {
		m.logger.Info().Str("queue", path).Msg("purging queue was skipped because it does not exist")

		return nil
	}

	m.logger.Info().Str("queue", path).Msg("purging queue")

	if err := m.subsystem.Purge(ctx, path); err != nil && !errors.Is(err, native.ErrQueueNotFound) {
		return fmt.Errorf("failed to purge queue %s: %w", path, err)
	}

	return nil
}

// Delete removes the queue at path. A missing queue is a no-op.
func (m *QueueManager) Delete(ctx context.Context, path string) error {
	exists, err := m.Exists(ctx, path)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	if err := m.subsystem.Delete(ctx, path); err != nil && !errors.Is(err, native.ErrQueueNotFound) {
		return fmt.Errorf("failed to delete queue %s: %w", path, err)
	}

	m.logger.Info().Str("queue", path).Msg("queue deleted")

	return nil
}

// Count returns the number of entries in the queue at path, or 0 when the
// queue is missing or cannot be read.
func (m *QueueManager) Count(ctx context.Context, path string) int {
	q, err := m.subsystem.Open(ctx, path, native.AccessReceive, native.PropertyFilter{ID: true})
	if err != nil {
		m.logger.Debug().Err(err).Str("queue", path).Msg("could not open queue for counting")

		return 0
	}

	defer func() {
		_ = q.Close()
	}()

	if c, ok := q.(native.Counter); ok {
		n, err := c.Len(ctx)
		if err != nil {
			m.logger.Debug().Err(err).Str("queue", path).Msg("could not count queue")

			return 0
		}

		return n
	}

	count := 0

	for _, err := range q.Enumerate(ctx) {
		if err != nil {
			m.logger.Debug().Err(err).Str("queue", path).Msg("could not enumerate queue")

			return 0
		}

		count++
	}

	return count
}
