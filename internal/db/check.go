package db

import (
	"context"
	"fmt"

	"github.com/veridocs/btcpay/internal/logging"
	"go.uber.org/zap"
)

// settlement tables the engine cannot run without
var coreTables = []string{
	"extended_keys",
	"derived_addresses",
	"orders",
	"payments",
	"escrow_records",
}

// CheckCoreTables verifies the settlement schema is present. Used by the
// health-check job to catch half-applied migrations.
func (s *Store) CheckCoreTables(ctx context.Context) error {
	var present []string
	err := s.db.WithContext(ctx).
		Raw("SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'").
		Scan(&present).Error
	if err != nil {
		logging.Error("Error reading schema tables", zap.Error(err))
		return fmt.Errorf("error reading schema tables: %w", err)
	}

	existing := make(map[string]bool, len(present))
	for _, name := range present {
		existing[name] = true
	}

	for _, name := range coreTables {
		if !existing[name] {
			logging.Error("Missing core table", zap.String("table", name))
			return fmt.Errorf("missing core table %q", name)
		}
	}

	logging.Debug("Core tables present", zap.Int("count", len(coreTables)))
	return nil
}

// CheckDerivedAddressIndexes logs the indexes backing the uniqueness
// guarantees on derived_addresses.
func (s *Store) CheckDerivedAddressIndexes(ctx context.Context) {
	var result []struct {
		IndexName string
		IndexDef  string
	}

	err := s.db.WithContext(ctx).
		Raw("SELECT indexname, indexdef FROM pg_indexes WHERE tablename = 'derived_addresses'").
		Scan(&result).Error
	if err != nil {
		logging.Error("Error checking derived_addresses indexes", zap.Error(err))
		return
	}

	for _, idx := range result {
		logging.Info("Index info", zap.String("name", idx.IndexName), zap.String("definition", idx.IndexDef))
	}
}
