package badger

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/interfaces"
)

// gcInterval spaces value-log garbage collection passes
const gcInterval = 30 * time.Minute

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db      *BadgerDB
	job     interfaces.JobStorage
	area    interfaces.AreaStorage
	account interfaces.AccountStorage
	logger  arbor.ILogger
	gcStop  chan struct{}
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:      db,
		job:     NewJobStorage(db, logger),
		area:    NewAreaStorage(db, logger),
		account: NewAccountStorage(db, logger),
		logger:  logger,
		gcStop:  make(chan struct{}),
	}
	go manager.gcLoop()

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

func (m *Manager) gcLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.gcStop:
			return
		case <-ticker.C:
			m.db.RunValueLogGC()
		}
	}
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// AreaStorage returns the Area storage interface
func (m *Manager) AreaStorage() interfaces.AreaStorage {
	return m.area
}

// AccountStorage returns the Account storage interface
func (m *Manager) AccountStorage() interfaces.AccountStorage {
	return m.account
}

// Close stops maintenance and closes the database connection
func (m *Manager) Close() error {
	close(m.gcStop)
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
