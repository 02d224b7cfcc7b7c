// Package mocks provides gomock doubles for the ledger's core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockLedgerRepository(ctrl)
//	repo.EXPECT().GetByID(gomock.Any(), id).Return(rec, nil)
package mocks

// LedgerRepository: Create, BulkCreate, GetByID, List, Stats, MarkInProgress, Complete, Fail,
// MarkNotified, Reclaim, Delete, Ping
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=ledger_repository_mock.go github.com/target/mmk-ledger/internal/core LedgerRepository

// Dispatcher: Publish, Subscribe, Close
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=dispatcher_mock.go github.com/target/mmk-ledger/internal/core Dispatcher

// Computer: Compute
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=computer_mock.go github.com/target/mmk-ledger/internal/core Computer
