package service

import (
	"github.com/OmarB97/trynano-server/internal/config"
)

// ServiceFactory builds the services once and shares them between the HTTP
// router and the sweep scheduler.
type ServiceFactory struct {
	cfg       *config.Config
	store     Store
	network   WalletNetwork
	locker    Locker
	publisher EventPublisher
	ledger    LedgerRecorder

	faucetService *FaucetService
	sweepService  *SweepService
}

func NewServiceFactory(
	cfg *config.Config,
	store Store,
	network WalletNetwork,
	locker Locker,
	publisher EventPublisher,
	ledger LedgerRecorder,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:       cfg,
		store:     store,
		network:   network,
		locker:    locker,
		publisher: publisher,
		ledger:    ledger,
	}
}

func (f *ServiceFactory) FaucetService() *FaucetService {
	if f.faucetService == nil {
		f.faucetService = NewFaucetService(f.cfg, f.store, f.network, f.locker, f.publisher, f.ledger)
	}
	return f.faucetService
}

func (f *ServiceFactory) SweepService() *SweepService {
	if f.sweepService == nil {
		f.sweepService = NewSweepService(f.cfg, f.store, f.network, f.locker, f.publisher, f.ledger)
	}
	return f.sweepService
}
